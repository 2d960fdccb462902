package domain

// User is the profile record associated with the current tokens. The
// session layer treats it as opaque; fields exist only so the UI shell
// and the credential store can round-trip it.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
}
