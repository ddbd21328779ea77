package usps

// PostOffice is a normalized facility record; a subset of the fields the
// vendor returns.
type PostOffice struct {
	Distance string `json:"distance"`
	Address  string `json:"streetAddress"`
	City     string `json:"city"`
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	ZipCode  string `json:"zip5"`
	State    string `json:"state"`
}

// Location is the search origin for a facility lookup.
type Location struct {
	Address string
	City    string
	State   string
	ZipCode string
}

// Applicant carries the identity and address fields for an enrollment
// request. UniqueID must be no longer than 18 characters.
type Applicant struct {
	UniqueID  string
	FirstName string
	LastName  string
	Address   string
	City      string
	State     string
	ZipCode   string
	Email     string
}

// EnrollResponse acknowledges an applicant enrollment. The vendor also emails
// the applicant the enrollment code; we keep it with the unique ID so the
// proofing status can be polled.
type EnrollResponse struct {
	EnrollmentCode  string `json:"enrollmentCode"`
	ResponseMessage string `json:"responseMessage"`
}

// EnrollmentCodeResponse returns an existing valid code or a freshly issued one.
type EnrollmentCodeResponse struct {
	EnrollmentCode string `json:"enrollmentCode"`
}

// ProofingResults is the 2xx body of a status poll; receiving it at all means
// proofing completed.
type ProofingResults struct {
	Status                 string `json:"status"`
	ProofingPostOffice     string `json:"proofingPostOffice"`
	ProofingCity           string `json:"proofingCity"`
	ProofingState          string `json:"proofingState"`
	TransactionEndDateTime string `json:"transactionEndDateTime"`
}

type facilityListResponse struct {
	PostOffices []PostOffice `json:"postOffices"`
}

type tokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type errorBody struct {
	Status          int    `json:"status"`
	Error           string `json:"error"`
	Message         string `json:"message"`
	ResponseMessage string `json:"responseMessage"`
}
