package mega

import (
	"context"

	"github.com/google/uuid"
)

// RegisterEphemeral creates a new ephemeral (emailless) account: spec
// §4.1/§9's registerEphemeral flow. A fresh MK is generated and
// wrapped under the password key as EMK; a TS session-proof blob is
// attached in the same shape the TSID check in keyproto.go verifies
// later (16 random bytes ts1, followed by AES-ECB(MK, ts1)) — spec §9
// calls for this to stay bit-compatible with the service, so the
// layout here is exactly the one checkTSID expects.
//
// On success the session holds a fresh uh (used as the ephemeral
// "username" for subsequent logins) and is left in [Credentialed], not
// [Open]: the caller still has to Open() to fetch the user object and
// filesystem and transition through the normal login flow.
func (s *Session) RegisterEphemeral(ctx context.Context, password string) (string, error) {
	s.creds = Credentials{Password: password}
	s.pk = aesKeyFromPassword(password)

	mk := randomBytes(16)
	emk, err := aesECBEncrypt(s.pk, mk)
	if err != nil {
		return "", err
	}

	ts1 := randomBytes(16)
	ts2, err := aesECBEncrypt(mk, ts1)
	if err != nil {
		return "", err
	}
	tsBlob := ub64enc(joinbuf(ts1, ts2))

	req := updateUserRequest{Cmd: "up", K: string(ub64enc(emk)), TS: string(tsBlob), I: uuid.NewString()}
	var resp updateUserResponse
	if err := s.eng.Call(ctx, req, &resp); err != nil {
		return "", err
	}

	uh := string(resp)
	s.uh = uh
	s.creds.Email = uh // ephemeral: the "username" is the uh itself.
	s.mk = mk
	s.state = stateCredentialed
	return uh, nil
}

// UpdateProfile implements the profile-update shape of the "up"
// command (spec §6): only the display name is exposed here, since
// pubk/privk rotation is an RPC wrapper outside the core (spec §1).
func (s *Session) UpdateProfile(ctx context.Context, name string) error {
	req := updateUserRequest{Cmd: "up", Name: name, I: uuid.NewString()}
	var resp updateUserResponse
	if err := s.eng.Call(ctx, req, &resp); err != nil {
		return err
	}
	s.name = name
	return nil
}
