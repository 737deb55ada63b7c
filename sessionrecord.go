package mega

import "encoding/json"

// sessionRecord is the persisted session record of spec §3: uh,
// email, name, mk, pk, pubk, privk, sid, sidParamName, saved. Go's
// encoding/json already renders []byte fields as base64 text, which
// satisfies spec §3's "implementation-defined self-describing text
// encoding" requirement without hand-rolling one.
type sessionRecord struct {
	UH           string `json:"uh"`
	Email        string `json:"email,omitempty"`
	Name         string `json:"name,omitempty"`
	MK           []byte `json:"mk"`
	PK           []byte `json:"pk"`
	Pubk         []byte `json:"pubk,omitempty"`
	Privk        []byte `json:"privk,omitempty"`
	SID          string `json:"sid"`
	SIDParamName string `json:"sidParamName"`
	Saved        int64  `json:"saved"`
}

func encodeSessionRecord(rec sessionRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeSessionRecord(data []byte) (sessionRecord, error) {
	var rec sessionRecord
	err := json.Unmarshal(data, &rec)
	return rec, err
}
