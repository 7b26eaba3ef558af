package annotations

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

type AnnotationItem map[string]string

type AnnotationSet []AnnotationItem

func (s AnnotationSet) Clone() AnnotationSet {
	if s == nil {
		return AnnotationSet{}
	}
	out := make(AnnotationSet, 0, len(s))
	for _, item := range s {
		copied := make(AnnotationItem, len(item))
		for k, v := range item {
			copied[k] = v
		}
		out = append(out, copied)
	}
	return out
}

type AssetKey struct {
	InstanceName string `json:"dandiInstanceName"`
	DandisetID   string `json:"dandisetId"`
	AssetPath    string `json:"assetPath"`
	AssetID      string `json:"assetId"`
}

func (k AssetKey) Validate() error {
	switch {
	case strings.TrimSpace(k.InstanceName) == "":
		return fmt.Errorf("%w: dandiInstanceName is required", ErrInvalidInput)
	case strings.TrimSpace(k.DandisetID) == "":
		return fmt.Errorf("%w: dandisetId is required", ErrInvalidInput)
	case strings.TrimSpace(k.AssetPath) == "":
		return fmt.Errorf("%w: assetPath is required", ErrInvalidInput)
	case strings.TrimSpace(k.AssetID) == "":
		return fmt.Errorf("%w: assetId is required", ErrInvalidInput)
	}
	return nil
}

func (k AssetKey) Path() string {
	return ResolvePath(k.InstanceName, k.DandisetID, k.AssetPath, k.AssetID)
}

// RepoRef names the repository that owns the physical annotation file.
type RepoRef struct {
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	if r.Owner == "" && r.Name == "" {
		return ""
	}
	return r.Owner + "/" + r.Name
}

func (r RepoRef) IsZero() bool {
	return r.Owner == "" && r.Name == ""
}

// ParseRepo accepts "owner/name" or "https://github.com/owner/name".
func ParseRepo(raw string) (RepoRef, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, "/")
	if strings.HasPrefix(raw, "https://github.com/") {
		if len(parts) != 5 || parts[3] == "" || parts[4] == "" {
			return RepoRef{}, fmt.Errorf("%w: invalid repo uri: %s", ErrInvalidInput, raw)
		}
		return RepoRef{Owner: parts[3], Name: strings.TrimSuffix(parts[4], ".git")}, nil
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("%w: invalid repo uri: %s", ErrInvalidInput, raw)
	}
	return RepoRef{Owner: parts[0], Name: parts[1]}, nil
}

// ContentToken is the host's version identifier (blob SHA) for a file. The zero
// value is the absent token.
type ContentToken struct {
	sha string
}

var NoToken = ContentToken{}

func TokenOf(sha string) ContentToken {
	return ContentToken{sha: strings.TrimSpace(sha)}
}

func (t ContentToken) Present() bool {
	return t.sha != ""
}

func (t ContentToken) String() string {
	return t.sha
}

func (t ContentToken) MarshalText() ([]byte, error) {
	return []byte(t.sha), nil
}

func (t *ContentToken) UnmarshalText(b []byte) error {
	*t = TokenOf(string(b))
	return nil
}

// Credential is a bearer token for the content host. It is never persisted or
// logged; Fingerprint is used wherever it has to become part of a key.
type Credential string

func (c Credential) Empty() bool {
	return strings.TrimSpace(string(c)) == ""
}

func (c Credential) Fingerprint() string {
	if c.Empty() {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(string(c))))
	return hex.EncodeToString(sum[:])
}

func (c Credential) String() string {
	if c.Empty() {
		return ""
	}
	return "credential:" + c.Fingerprint()[:12]
}

// CredentialFromHeader extracts the token from "Bearer x" or "token x".
func CredentialFromHeader(header string) Credential {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	fields := strings.Fields(header)
	if len(fields) != 2 {
		return ""
	}
	switch strings.ToLower(fields[0]) {
	case "bearer", "token":
		return Credential(fields[1])
	default:
		return ""
	}
}
