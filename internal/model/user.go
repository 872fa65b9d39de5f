package model

// User is a global identity, deduplicated by uuid.
type User struct {
	UUID        string
	Name        string
	DisplayName string
	ImageURL    string
}
