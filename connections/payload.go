package connections

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/confapp/companion-sync/internal"
)

// Payload discriminators
const (
	TypeProfile = "profile"
	TypeRoom    = "room"
)

// Rejection explains why a scanned code was not merged. The empty Rejection means accepted.
type Rejection string

const (
	RejectUnsupported     Rejection = "unsupported code"
	RejectMissingIdentity Rejection = "missing identity"
)

// Payload is a parsed scanned code. Profile is set for TypeProfile, RoomID for TypeRoom.
type Payload struct {
	Type    string
	Profile internal.Connection
	RoomID  string
}

// ParsePayload never fails hard: anything it cannot understand is a RejectUnsupported.
func ParsePayload(raw []byte) (Payload, Rejection) {
	if !gjson.ValidBytes(raw) {
		return Payload{}, RejectUnsupported
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Payload{}, RejectUnsupported
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Payload{}, RejectUnsupported
	}
	switch typ.Str {
	case TypeRoom:
		roomID := strings.TrimSpace(root.Get("id").Str)
		if roomID == "" {
			roomID = strings.TrimSpace(root.Get("name").Str)
		}
		if roomID == "" {
			return Payload{}, RejectUnsupported
		}
		return Payload{Type: TypeRoom, RoomID: roomID}, ""
	case TypeProfile:
		p := Payload{
			Type: TypeProfile,
			Profile: internal.Connection{
				ID:         strings.TrimSpace(root.Get("id").Str),
				Email:      strings.TrimSpace(root.Get("email").Str),
				Name:       root.Get("name").Str,
				Occupation: root.Get("occupation").Str,
				Company:    root.Get("company").Str,
				Avatar:     root.Get("avatar").Str,
				Role:       root.Get("role").Str,
			},
		}
		root.Get("socials").ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String && v.Str != "" {
				p.Profile.Socials = append(p.Profile.Socials, v.Str)
			}
			return true
		})
		if p.Profile.IdentityKey() == "" {
			return p, RejectMissingIdentity
		}
		return p, ""
	}
	return Payload{}, RejectUnsupported
}

// ExportPayload builds the code a peer scans to connect with this user.
func ExportPayload(profile internal.UserProfile, links []string) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	set := func(path string, value interface{}) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}
	set("type", TypeProfile)
	fields := []struct {
		path  string
		value string
	}{
		{"id", profile.ID},
		{"name", profile.Name},
		{"email", profile.Email},
		{"avatar", profile.Avatar},
		{"occupation", profile.Occupation},
		{"company", profile.Company},
		{"role", string(profile.Role)},
	}
	for _, f := range fields {
		if f.value != "" {
			set(f.path, f.value)
		}
	}
	if len(links) > 0 {
		set("socials", links)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
