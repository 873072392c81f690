package domain

// Credentials are the three shared secrets an operator presents on every
// administrative call.
type Credentials struct {
	OwnerID   string
	AppSecret string
	APIKey    string
}

func (c Credentials) Complete() bool {
	return c.OwnerID != "" && c.AppSecret != "" && c.APIKey != ""
}
