package mega

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toBatchBody(t *testing.T, v interface{}) []byte {
	t.Helper()
	body, err := json.Marshal([]interface{}{v})
	require.NoError(t, err)
	return body
}

// buildLoginResponse constructs a loginResponse that installLoginResponse
// accepts via the TSID path for password, together with the mk it was
// built against so callers can sanity-check downstream state.
func buildLoginResponse(t *testing.T, password string) (loginResponse, []byte) {
	t.Helper()
	pk := aesKeyFromPassword(password)
	mk := randomBytes(16)
	emk, err := aesECBEncrypt(pk, mk)
	require.NoError(t, err)

	ts1 := randomBytes(16)
	ts2, err := aesECBEncrypt(mk, ts1)
	require.NoError(t, err)
	tsid := ub64enc(joinbuf(ts1, ts2))

	return loginResponse{Key: string(ub64enc(emk)), TSID: string(tsid)}, mk
}

func TestSessionOpenFreshLoginReachesOpen(t *testing.T) {
	const email = "alice@example.com"
	const password = "hunter2"

	loginResp, _ := buildLoginResponse(t, password)
	getUserResp := getUserResponse{U: "userhandle01", Email: email, Name: "Alice"}
	fsResp := filesystemResponse{F: []rawNode{}}

	client := &fakeHTTPClient{responses: []fakeResponse{
		{body: toBatchBody(t, loginResp)},
		{body: toBatchBody(t, getUserResp)},
		{body: toBatchBody(t, fsResp)},
	}}
	store := newMemFileStore()

	s := New(WithHTTPClient(client), WithFileStore(store))
	s.SetCredentials(email, password)

	err := s.Open(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, s.IsOpen())
	assert.Equal(t, "userhandle01", s.uh)
	assert.Len(t, client.urls, 3, "a fresh login must issue exactly us, ug, f")
	assert.Len(t, store.files, 2, "Open must persist both the session blob and the fs snapshot blob")
}

func TestSessionOpenResumeWithinFreshnessWindowMakesNoRequests(t *testing.T) {
	const email = "alice@example.com"
	const password = "hunter2"

	loginResp, _ := buildLoginResponse(t, password)
	getUserResp := getUserResponse{U: "userhandle01", Email: email, Name: "Alice"}
	fsResp := filesystemResponse{F: []rawNode{}}

	firstClient := &fakeHTTPClient{responses: []fakeResponse{
		{body: toBatchBody(t, loginResp)},
		{body: toBatchBody(t, getUserResp)},
		{body: toBatchBody(t, fsResp)},
	}}
	store := newMemFileStore()

	first := New(WithHTTPClient(firstClient), WithFileStore(store))
	first.SetCredentials(email, password)
	require.NoError(t, first.Open(context.Background(), false))

	second := New(WithHTTPClient(&fakeHTTPClient{}), WithFileStore(store))
	second.SetCredentials(email, password)
	err := second.Open(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, second.IsOpen())
}

func TestSessionOpenResumeWithStaleSidAccepted(t *testing.T) {
	const email = "alice@example.com"
	const password = "hunter2"

	pk := aesKeyFromPassword(password)
	mk := randomBytes(16)
	store := newMemFileStore()

	rec := sessionRecord{
		UH: "userhandle01", Email: email, MK: mk, PK: pk,
		SID: "stale-sid-value", SIDParamName: "sid",
		Saved: time.Now().Add(-2 * time.Hour).Unix(),
	}
	body, err := encodeSessionRecord(rec)
	require.NoError(t, err)
	require.NoError(t, saveBlob(store, pk, email, password, "", body))

	getUserResp := getUserResponse{U: "userhandle01", Email: email, Name: "Alice"}
	fsResp := filesystemResponse{F: []rawNode{}}
	client := &fakeHTTPClient{responses: []fakeResponse{
		{body: toBatchBody(t, getUserResp)},
		{body: toBatchBody(t, fsResp)},
	}}

	s := New(WithHTTPClient(client), WithFileStore(store))
	s.SetCredentials(email, password)
	err = s.Open(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, s.IsOpen())
	assert.Len(t, client.urls, 2, "a stale but accepted sid must cost exactly ug then f")
}

func TestSessionOpenResumeWithStaleSidRejectedFallsBackToLogin(t *testing.T) {
	const email = "alice@example.com"
	const password = "hunter2"

	pk := aesKeyFromPassword(password)
	mk := randomBytes(16)
	store := newMemFileStore()

	rec := sessionRecord{
		UH: "userhandle01", Email: email, MK: mk, PK: pk,
		SID: "stale-sid-value", SIDParamName: "sid",
		Saved: time.Now().Add(-2 * time.Hour).Unix(),
	}
	body, err := encodeSessionRecord(rec)
	require.NoError(t, err)
	require.NoError(t, saveBlob(store, pk, email, password, "", body))

	loginResp, _ := buildLoginResponse(t, password)
	getUserResp := getUserResponse{U: "userhandle01", Email: email, Name: "Alice"}
	fsResp := filesystemResponse{F: []rawNode{}}

	client := &fakeHTTPClient{responses: []fakeResponse{
		{body: toBatchBody(t, int64(-15))}, // ESID: stale sid rejected
		{body: toBatchBody(t, loginResp)},
		{body: toBatchBody(t, getUserResp)},
		{body: toBatchBody(t, fsResp)},
	}}

	s := New(WithHTTPClient(client), WithFileStore(store))
	s.SetCredentials(email, password)
	err = s.Open(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, s.IsOpen())
	assert.Len(t, client.urls, 4, "a rejected stale sid must fall back to a full ug, us, ug, f sequence")
}

func TestInstallLoginResponsePrefersCSIDOverTSID(t *testing.T) {
	s := New(WithHTTPClient(&fakeHTTPClient{}), WithFileStore(newMemFileStore()))
	s.pk = aesKeyFromPassword("hunter2")

	mk := randomBytes(16)
	emk, err := aesECBEncrypt(s.pk, mk)
	require.NoError(t, err)

	pubk, privkWrapped, err := rsaGenerate(mk, 512)
	require.NoError(t, err)

	sidPlain := append([]byte{0x01}, randomBytes(42)...) // rsaDecryptSID requires >= 43 bytes
	csidCipher, err := rsaEncrypt(pubk, sidPlain)
	require.NoError(t, err)

	ts1 := randomBytes(16)
	ts2, err := aesECBEncrypt(mk, ts1)
	require.NoError(t, err)
	tsid := ub64enc(joinbuf(ts1, ts2))

	resp := loginResponse{
		Key:   string(ub64enc(emk)),
		CSID:  string(ub64enc(csidCipher)),
		TSID:  string(tsid),
		Privk: string(ub64enc(privkWrapped)),
	}

	require.NoError(t, s.installLoginResponse(resp))
	assert.Equal(t, string(ub64enc(sidPlain)), s.sid, "csid must win when both csid and tsid are present")
	assert.Equal(t, s.sid, s.eng.SID())
}

func TestSessionCloseRemovesBlobsAndResetsState(t *testing.T) {
	const email = "alice@example.com"
	const password = "hunter2"

	loginResp, _ := buildLoginResponse(t, password)
	getUserResp := getUserResponse{U: "userhandle01", Email: email, Name: "Alice"}
	fsResp := filesystemResponse{F: []rawNode{}}

	client := &fakeHTTPClient{responses: []fakeResponse{
		{body: toBatchBody(t, loginResp)},
		{body: toBatchBody(t, getUserResp)},
		{body: toBatchBody(t, fsResp)},
	}}
	store := newMemFileStore()

	s := New(WithHTTPClient(client), WithFileStore(store))
	s.SetCredentials(email, password)
	require.NoError(t, s.Open(context.Background(), false))
	require.True(t, s.IsOpen())

	require.NoError(t, s.Close(context.Background()))
	assert.False(t, s.IsOpen())
	assert.True(t, s.IsCredentialed())
	assert.Empty(t, store.files, "Close must remove both persisted blobs")
}
