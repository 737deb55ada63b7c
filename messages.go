package mega

// Wire request/response shapes (spec §6's RPC table and §4.5's
// filesystem response). Following the teacher's convention, each
// request struct carries its own "a" command tag via the `json:"a"`
// field and is always marshalled as a single-element array — the
// batching engine (transport.go) is what turns a slice of these into
// a real multi-request call.

// loginRequest implements the "us" command: spec table row
// `us (login) | user=uh or email | {k, csid?, tsid?, privk?, u}`.
type loginRequest struct {
	Cmd  string `json:"a"`
	User string `json:"user"`
}

type loginResponse struct {
	Key   string `json:"k"`
	CSID  string `json:"csid,omitempty"`
	TSID  string `json:"tsid,omitempty"`
	Privk string `json:"privk,omitempty"`
	U     string `json:"u,omitempty"`
}

// getUserRequest implements "ug": returns the full user object.
type getUserRequest struct {
	Cmd string `json:"a"`
}

type getUserResponse struct {
	U     string `json:"u"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Pubk  string `json:"pubk,omitempty"`
	Privk string `json:"privk,omitempty"`
}

// updateUserRequest implements the "up" command used both for
// registration (k=EMK, ts=tsblob) and profile update (c, uh, pubk,
// privk, name); spec's table lists both under "up". I is the
// request-id the teacher attaches to every write-style command
// (randString(10) there) so the server can dedupe a retried write;
// here it is a uuid rather than a short random string.
type updateUserRequest struct {
	Cmd   string `json:"a"`
	K     string `json:"k,omitempty"`
	TS    string `json:"ts,omitempty"`
	C     string `json:"c,omitempty"`
	UH    string `json:"uh,omitempty"`
	Pubk  string `json:"pubk,omitempty"`
	Privk string `json:"privk,omitempty"`
	Name  string `json:"name,omitempty"`
	I     string `json:"i,omitempty"`
}

type updateUserResponse string

// filesystemRequest implements "f": `{c:1, r:1}` per spec §4.5.
type filesystemRequest struct {
	Cmd string `json:"a"`
	C   int    `json:"c"`
	R   int    `json:"r"`
}

// shareKeyEntry is one entry of the response's "ok" array: an
// owner-wrapped share key, authenticated by spec §3's
// `AES-ECB(MK, ha) == h‖h` invariant before it is trusted.
type shareKeyEntry struct {
	Handle string `json:"h"`
	HA     string `json:"ha"`
	Key    string `json:"k"`
}

// rawNode is one entry of the response's "f" array — the opaque node
// catalogue fs.go's importer consumes.
type rawNode struct {
	Handle       string `json:"h"`
	ParentHandle string `json:"p"`
	OwnerHandle  string `json:"u"`
	SUHandle     string `json:"su,omitempty"`
	SKey         string `json:"sk,omitempty"`
	Type         int    `json:"t"`
	Size         int64  `json:"s,omitempty"`
	Timestamp    int64  `json:"ts"`
	Key          string `json:"k"`
	Attr         string `json:"a"`
}

// userRelation is one entry of the response's "u" array: a contact
// relationship used to synthesise CONTACT pseudo-nodes (spec §3, §4.5).
type userRelation struct {
	Handle string `json:"u"`
	Email  string `json:"m,omitempty"`
	C      int    `json:"c"`
}

type filesystemResponse struct {
	Ok []shareKeyEntry `json:"ok,omitempty"`
	F  []rawNode       `json:"f"`
	U  []userRelation  `json:"u,omitempty"`
}
