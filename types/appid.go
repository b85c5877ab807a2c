package types

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ApplicationID identifies one hosted application within the worker process.
// Values are always lower-cased so that map lookups are case-insensitive.
type ApplicationID string

// NewApplicationID normalizes an externally supplied application id.
func NewApplicationID(id string) ApplicationID {
	return ApplicationID(strings.ToLower(strings.TrimSpace(id)))
}

// DeriveApplicationID builds an application id from the host descriptor
// fields when the native host did not supply one. The result is stable for a
// given (virtual path, physical path, site) triple regardless of case.
func DeriveApplicationID(virtualPath, physicalPath, siteID string) ApplicationID {
	vpath := strings.TrimSuffix(strings.ToLower(virtualPath), "/")
	ppath := strings.TrimSuffix(strings.ToLower(physicalPath), "/")
	site := strings.ToLower(siteID)
	return ApplicationID(fmt.Sprintf("/lm/w3svc/%s/root%s-%016x", site, vpath, xxhash.Sum64String(ppath)))
}

// String returns the id as a plain string.
func (id ApplicationID) String() string {
	return string(id)
}
