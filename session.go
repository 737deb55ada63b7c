package mega

import (
	"context"
	"errors"
	"io"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// This file is the Session state machine (spec §4.4, component C4):
// credential handling, load/save/resume, the login-or-ephemeral
// selection, freshness policy, and refresh-on-expiry.

// Default settings, named after the teacher's config block
// (API_URL, RETRIES, TIMEOUT) but expanded with the spec's
// freshness-window and backoff parameters.
const (
	defaultAPIURL          = "https://eu.api.mega.co.nz/cs"
	defaultSidParamName    = "sid"
	defaultTimeout         = 10 * time.Second
	defaultFreshnessWindow = time.Hour
)

type config struct {
	baseURL      string
	sidParamName string
	timeout      time.Duration

	freshnessWindow time.Duration
	backoffInitial  time.Duration
	backoffCeiling  time.Duration
	maxAttempts     int

	httpClient HTTPClient
	fileStore  FileStore
	logWriter  io.Writer
}

func newConfig() config {
	return config{
		baseURL:         defaultAPIURL,
		sidParamName:    defaultSidParamName,
		timeout:         defaultTimeout,
		freshnessWindow: defaultFreshnessWindow,
		backoffInitial:  defaultBackoffInitial,
		backoffCeiling:  defaultBackoffCeiling,
	}
}

// Option configures a Session at construction, generalizing the
// teacher's config.Set* mutator methods into the functional-options
// idiom.
type Option func(*config)

func WithAPIURL(u string) Option { return func(c *config) { c.baseURL = u } }

// WithSidParamName overrides the session-id query parameter name.
// SetExportedFolder switches the same setting to "n" per spec §4.4 by
// assigning it directly.
func WithSidParamName(name string) Option { return func(c *config) { c.sidParamName = name } }

func WithTimeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

func WithFreshnessWindow(d time.Duration) Option {
	return func(c *config) { c.freshnessWindow = d }
}

func WithBackoff(initial, ceiling time.Duration) Option {
	return func(c *config) { c.backoffInitial, c.backoffCeiling = initial, ceiling }
}

// WithMaxRetries bounds the total number of sends per batch when the
// transport keeps failing transiently, the first send included (so n
// allows n-1 retries); 0 (the default) means retry until ctx is
// cancelled, since spec §4.3 specifies a backoff ceiling but no
// attempt cap.
func WithMaxRetries(n int) Option { return func(c *config) { c.maxAttempts = n } }

func WithHTTPClient(h HTTPClient) Option { return func(c *config) { c.httpClient = h } }

func WithFileStore(fs FileStore) Option { return func(c *config) { c.fileStore = fs } }

// WithLogger sets the sink for structured logs. The default is no
// logging at all (see log.go); pass os.Stderr for console output.
func WithLogger(w io.Writer) Option { return func(c *config) { c.logWriter = w } }

type sessionState int

const (
	stateFresh sessionState = iota
	stateCredentialed
	stateOpen
)

// Credentials holds the login inputs (spec §3's session record
// fields uh/email are derived from these once Open succeeds).
type Credentials struct {
	// Email is the account email for a named account, or the literal
	// 11-character user handle for an ephemeral account (spec §4.4's
	// isEphemeral predicate decides which).
	Email    string
	Password string
}

// ephemeralPattern matches spec §4.4's isEphemeral predicate: exactly
// 11 characters from [A-Za-z0-9_-].
var ephemeralPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

func isEphemeral(username string) bool {
	return ephemeralPattern.MatchString(username)
}

// Session is the top-level object: it owns exactly one API engine, one
// filesystem snapshot, and its two on-disk blobs (spec §5). Two
// Sessions in the same process are fully independent.
type Session struct {
	cfg   config
	state sessionState
	creds Credentials

	eng *Engine
	fs  *Filesystem
	log zerolog.Logger

	pk    []byte
	mk    []byte
	pubk  []byte
	privk []byte
	uh    string
	name  string
	sid   string
	saved time.Time

	exportedFolderMK []byte
}

// New constructs a Session with the given options applied over the
// spec's defaults.
func New(opts ...Option) *Session {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = newNetHTTPClient(cfg.timeout)
	}
	if cfg.fileStore == nil {
		cfg.fileStore = newOSFileStore()
	}

	log := newLogger(cfg.logWriter)
	eng := newEngine(cfg.httpClient, cfg.baseURL, cfg.sidParamName, log)
	eng.backoffInitial = cfg.backoffInitial
	eng.backoffCeiling = cfg.backoffCeiling
	eng.maxAttempts = cfg.maxAttempts

	return &Session{
		cfg:   cfg,
		state: stateFresh,
		eng:   eng,
		fs:    newFilesystem(log),
		log:   componentLogger(log, "session"),
	}
}

// FS returns the current filesystem snapshot. It is only populated
// after a successful Open (or an explicit LoadFilesystem call).
func (s *Session) FS() *Filesystem { return s.fs }

// State predicates, named after the diagram in spec §4.4.
func (s *Session) IsOpen() bool         { return s.state == stateOpen }
func (s *Session) IsCredentialed() bool { return s.state >= stateCredentialed }

// SetCredentials transitions [Fresh] → [Credentialed] (spec §4.4).
func (s *Session) SetCredentials(username, password string) {
	s.creds = Credentials{Email: username, Password: password}
	s.state = stateCredentialed
}

// SetExportedFolder implements spec §4.4's exported-folder mode: it
// bypasses login entirely, installing handle as the session id under
// the "n" parameter and mk as the session's master key. The next
// LoadFilesystem call treats the first returned node as the root.
func (s *Session) SetExportedFolder(handle string, mk []byte) {
	s.cfg.sidParamName = "n"
	s.eng.sidParamName = "n"
	s.sid = handle
	s.eng.SetSID(handle)
	s.mk = mk
	s.exportedFolderMK = mk
	s.state = stateOpen
}

// Open drives the state machine of spec §4.4. forceCheck skips the
// freshness-window shortcut and always attempts a getUser refresh (or
// full login) even if the saved blob looks fresh.
func (s *Session) Open(ctx context.Context, forceCheck bool) error {
	if s.state < stateCredentialed {
		return errors.New("mega: credentials not set, call SetCredentials first")
	}

	s.pk = aesKeyFromPassword(s.creds.Password)

	blob, err := loadBlob(s.cfg.fileStore, s.pk, s.creds.Email, s.creds.Password, "")
	if err != nil {
		return err
	}
	if blob != nil {
		rec, decodeErr := decodeSessionRecord(blob)
		if decodeErr == nil {
			s.installRecord(rec)

			if !forceCheck && time.Since(rec.Saved) < s.cfg.freshnessWindow {
				s.log.Debug().Msg("resuming within freshness window, no network traffic")
				if err := s.loadFilesystemFromDisk(ctx); err != nil {
					s.log.Warn().Err(err).Msg("fs snapshot missing or unreadable on fresh resume")
				}
				s.state = stateOpen
				return s.persist(ctx)
			}

			if _, err := s.getUser(ctx); err == nil {
				s.log.Debug().Msg("resumed with stale sid, server accepted")
				if err := s.loadFilesystem(ctx); err != nil {
					return err
				}
				s.state = stateOpen
				s.saved = time.Now()
				return s.persist(ctx)
			}
			s.log.Debug().Msg("resume rejected by server, falling back to login flow")
		}
	}

	return s.loginFlow(ctx)
}

func (s *Session) loginFlow(ctx context.Context) error {
	var err error
	if isEphemeral(s.creds.Email) {
		err = s.loginEphemeral(ctx)
	} else {
		err = s.login(ctx)
	}
	if err != nil {
		return err
	}

	if _, err := s.getUser(ctx); err != nil {
		return err
	}
	if err := s.loadFilesystem(ctx); err != nil {
		return err
	}

	s.state = stateOpen
	s.saved = time.Now()
	return s.persist(ctx)
}

func (s *Session) login(ctx context.Context) error {
	uh, err := makeUsernameHash(s.pk, s.creds.Email)
	if err != nil {
		return err
	}
	s.uh = uh

	req := loginRequest{Cmd: "us", User: uh}
	var resp loginResponse
	if err := s.eng.Call(ctx, req, &resp); err != nil {
		return err
	}
	return s.installLoginResponse(resp)
}

// loginEphemeral logs in an ephemeral (emailless) account, whose
// username literally is its 11-character user handle (spec §4.4).
func (s *Session) loginEphemeral(ctx context.Context) error {
	s.uh = s.creds.Email

	req := loginRequest{Cmd: "us", User: s.uh}
	var resp loginResponse
	if err := s.eng.Call(ctx, req, &resp); err != nil {
		return err
	}
	return s.installLoginResponse(resp)
}

// installLoginResponse unwraps EMK to MK and resolves the session id,
// preferring csid over tsid per spec §4.2/§8's boundary test ("a login
// response with both csid and tsid prefers csid").
func (s *Session) installLoginResponse(resp loginResponse) error {
	emk, err := ub64dec([]byte(resp.Key))
	if err != nil {
		return err
	}
	if len(emk) != 16 {
		return EKEY
	}
	mk, err := aesECBDecrypt(s.pk, emk)
	if err != nil {
		return err
	}
	s.mk = mk

	switch {
	case resp.CSID != "":
		if resp.Privk == "" {
			return ErrSIDDecryptFail
		}
		privkWrapped, err := ub64dec([]byte(resp.Privk))
		if err != nil {
			return err
		}
		csid, err := ub64dec([]byte(resp.CSID))
		if err != nil {
			return err
		}
		sid, err := rsaDecryptSID(privkWrapped, mk, csid)
		if err != nil {
			return err
		}
		s.privk = privkWrapped
		s.sid = string(ub64enc(sid))

	case resp.TSID != "":
		ok, err := checkTSID([]byte(resp.TSID), mk)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTSID
		}
		s.sid = resp.TSID

	default:
		return ErrSIDDecryptFail
	}

	s.eng.SetSID(s.sid)
	return nil
}

func (s *Session) getUser(ctx context.Context) (getUserResponse, error) {
	req := getUserRequest{Cmd: "ug"}
	var resp getUserResponse
	if err := s.eng.Call(ctx, req, &resp); err != nil {
		return resp, err
	}

	if resp.U != "" {
		s.uh = resp.U
	}
	if resp.Email != "" {
		s.creds.Email = resp.Email
	}
	s.name = resp.Name
	if resp.Pubk != "" {
		if pubk, err := ub64dec([]byte(resp.Pubk)); err == nil {
			s.pubk = pubk
		}
	}
	if resp.Privk != "" {
		if privk, err := ub64dec([]byte(resp.Privk)); err == nil {
			s.privk = privk
		}
	}
	return resp, nil
}

// LoadFilesystem fetches the filesystem over the wire and replaces the
// snapshot returned by FS. It does not write the on-disk blobs.
func (s *Session) LoadFilesystem(ctx context.Context) error {
	return s.loadFilesystem(ctx)
}

// loadFilesystem fetches the `f` response over the wire and hands it
// to the C5 materialiser.
func (s *Session) loadFilesystem(ctx context.Context) error {
	req := filesystemRequest{Cmd: "f", C: 1, R: 1}
	var resp filesystemResponse
	if err := s.eng.Call(ctx, req, &resp); err != nil {
		return err
	}
	return s.fs.Load(resp, s.uh, s.mk, s.exportedFolderMK)
}

// loadFilesystemFromDisk rebuilds the Filesystem from the persisted
// "fs" blob with no network traffic (spec §4.4 resume scenario).
func (s *Session) loadFilesystemFromDisk(ctx context.Context) error {
	blob, err := loadBlob(s.cfg.fileStore, s.pk, s.creds.Email, s.creds.Password, "fs")
	if err != nil {
		return err
	}
	if blob == nil {
		return errors.New("mega: no persisted filesystem snapshot")
	}
	return s.fs.loadSnapshot(blob)
}

// persist writes the session record blob and the filesystem-snapshot
// blob (same envelope, session name "fs"). Open calls it on each of
// its paths to [Open]; SetExportedFolder reaches [Open] without it.
func (s *Session) persist(ctx context.Context) error {
	rec := sessionRecord{
		UH:           s.uh,
		Email:        s.creds.Email,
		Name:         s.name,
		MK:           s.mk,
		PK:           s.pk,
		Pubk:         s.pubk,
		Privk:        s.privk,
		SID:          s.sid,
		SIDParamName: s.cfg.sidParamName,
		Saved:        s.saved.Unix(),
	}
	body, err := encodeSessionRecord(rec)
	if err != nil {
		return err
	}
	if err := saveBlob(s.cfg.fileStore, s.pk, s.creds.Email, s.creds.Password, "", body); err != nil {
		return err
	}

	fsBody, err := s.fs.marshalSnapshot()
	if err != nil {
		return err
	}
	return saveBlob(s.cfg.fileStore, s.pk, s.creds.Email, s.creds.Password, "fs", fsBody)
}

func (s *Session) installRecord(rec sessionRecord) {
	s.uh = rec.UH
	if rec.Email != "" {
		s.creds.Email = rec.Email
	}
	s.name = rec.Name
	s.mk = rec.MK
	s.pk = rec.PK
	s.pubk = rec.Pubk
	s.privk = rec.Privk
	s.sid = rec.SID
	if rec.SIDParamName != "" {
		s.cfg.sidParamName = rec.SIDParamName
		s.eng.sidParamName = rec.SIDParamName
	}
	s.saved = time.Unix(rec.Saved, 0)
	s.eng.SetSID(s.sid)
}

// Close implements the [Open] → [Credentialed] transition of spec
// §4.4: it removes both on-disk blobs. The in-memory key material and
// filesystem snapshot are dropped too, so a reused Session value
// cannot leak stale state into a subsequent Open.
func (s *Session) Close(ctx context.Context) error {
	if s.state != stateOpen {
		return nil
	}

	filename, err := blobFilename(s.pk, s.creds.Email, s.creds.Password, "")
	if err == nil {
		_ = s.cfg.fileStore.Remove(blobPath(s.cfg.fileStore, filename))
	}
	fsFilename, err := blobFilename(s.pk, s.creds.Email, s.creds.Password, "fs")
	if err == nil {
		_ = s.cfg.fileStore.Remove(blobPath(s.cfg.fileStore, fsFilename))
	}

	s.mk, s.pk, s.pubk, s.privk = nil, nil, nil, nil
	s.sid = ""
	s.eng.SetSID("")
	s.fs = newFilesystem(s.log)
	s.state = stateCredentialed
	return nil
}
