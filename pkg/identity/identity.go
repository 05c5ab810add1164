// Package identity holds the persistent identifiers used to authenticate
// exchanges: the secure id assigned at registration, the insecure id, and
// the server's UUID as last observed.
package identity

import "github.com/stewardsys/steward/pkg/persist"

// Identity is a thin view over a Persist document. Both ids may be unset
// while registration is pending.
type Identity struct {
	persist *persist.Persist
}

// New wraps a loaded Persist document.
func New(p *persist.Persist) *Identity {
	return &Identity{persist: p}
}

// SecureID returns the registration-assigned secure id, or "".
func (i *Identity) SecureID() string {
	return i.persist.GetString("secure-id", "")
}

// SetSecureID records the secure id.
func (i *Identity) SetSecureID(id string) {
	i.persist.Set("secure-id", id)
}

// InsecureID returns the insecure id, or "".
func (i *Identity) InsecureID() string {
	return i.persist.GetString("insecure-id", "")
}

// SetInsecureID records the insecure id.
func (i *Identity) SetInsecureID(id string) {
	i.persist.Set("insecure-id", id)
}

// ServerUUID returns the server UUID from the last exchange, or "".
func (i *Identity) ServerUUID() string {
	return i.persist.GetString("server-uuid", "")
}

// SetServerUUID records the server UUID.
func (i *Identity) SetServerUUID(uuid string) {
	i.persist.Set("server-uuid", uuid)
}

// Save flushes the document to disk.
func (i *Identity) Save() error {
	return i.persist.Save()
}
