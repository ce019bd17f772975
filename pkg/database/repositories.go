// Copyright 2025 Certen Protocol
//
// Repositories - convenience wrapper bundling all Cloak repositories
// behind a single point of access.

package database

// Repositories holds all repository instances.
type Repositories struct {
	Notes    *NoteRepository
	Roots    *RootRepository
	Requests *RequestRepository
	Claims   *ClaimRepository
}

// NewRepositories creates all repositories with the given client.
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		Notes:    NewNoteRepository(client),
		Roots:    NewRootRepository(client),
		Requests: NewRequestRepository(client),
		Claims:   NewClaimRepository(client),
	}
}
