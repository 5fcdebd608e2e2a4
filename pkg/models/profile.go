package models

// Profile holds the applicant data used to fill forms. Content generation
// and credential storage live outside this service; the profile arrives
// fully formed with the start request.
type Profile struct {
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	PhoneCountryCode string `json:"phoneCountryCode,omitempty"`
	City             string `json:"city,omitempty"`
	Country          string `json:"country,omitempty"`
	PostalCode       string `json:"postalCode,omitempty"`
	LinkedInURL      string `json:"linkedinUrl,omitempty"`
	GitHubURL        string `json:"githubUrl,omitempty"`
	PortfolioURL     string `json:"portfolioUrl,omitempty"`
	ResumePath       string `json:"resumePath,omitempty"`
	CoverLetter      string `json:"coverLetter,omitempty"`
}
