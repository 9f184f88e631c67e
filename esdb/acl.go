package esdb

import (
	"bytes"
	"encoding/json"
)

// StreamACL is the access-control list attached to a stream's
// metadata: five optional role lists. A nil list means "unset /
// inherited"; the JSON encoding omits its key entirely. Ported from
// StreamAclJsonAdapter.java, including its single-string-vs-array rule
// for non-nil lists (a one-element list serializes as a bare string).
type StreamACL struct {
	ReadRoles      []string
	WriteRoles     []string
	DeleteRoles    []string
	MetaReadRoles  []string
	MetaWriteRoles []string
}

const (
	aclRead      = "$r"
	aclWrite     = "$w"
	aclDelete    = "$d"
	aclMetaRead  = "$mr"
	aclMetaWrite = "$mw"
)

// MarshalJSON emits only the keys whose role list is non-nil, as a
// single string when the list has exactly one role, an array
// otherwise (matching writeRoles's `roles.size() == 1` check, which
// means an empty-but-non-nil list still serializes as `[]`).
func (a StreamACL) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(key string, roles []string) error {
		if roles == nil {
			return nil
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		var valueJSON []byte
		if len(roles) == 1 {
			valueJSON, err = json.Marshal(roles[0])
		} else {
			valueJSON, err = json.Marshal(roles)
		}
		if err != nil {
			return err
		}
		buf.Write(valueJSON)
		return nil
	}
	for _, kv := range []struct {
		key   string
		roles []string
	}{
		{aclRead, a.ReadRoles},
		{aclWrite, a.WriteRoles},
		{aclDelete, a.DeleteRoles},
		{aclMetaRead, a.MetaReadRoles},
		{aclMetaWrite, a.MetaWriteRoles},
	} {
		if err := write(kv.key, kv.roles); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts either a bare string or an array of strings
// for each key, matching readRoles's tolerant read.
func (a *StreamACL) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := []struct {
		key string
		dst *[]string
	}{
		{aclRead, &a.ReadRoles},
		{aclWrite, &a.WriteRoles},
		{aclDelete, &a.DeleteRoles},
		{aclMetaRead, &a.MetaReadRoles},
		{aclMetaWrite, &a.MetaWriteRoles},
	}
	for _, f := range fields {
		v, ok := raw[f.key]
		if !ok {
			continue
		}
		roles, err := decodeRoles(v)
		if err != nil {
			return err
		}
		*f.dst = roles
	}
	return nil
}

func decodeRoles(data json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, err
	}
	return many, nil
}
