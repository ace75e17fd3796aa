// Package htpasswd provides a simple authentication scheme that checks for the
// user credential hash in an htpasswd formatted file in a configuration-determined
// location.
//
// This authentication method MUST be used under TLS, as simple token-replay attack is possible.
package htpasswd

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goldboot/distribution/internal/dcontext"
	"github.com/goldboot/distribution/registry/auth"
)

type accessController struct {
	sync.Mutex
	realm    string
	path     string
	modtime  time.Time
	htpasswd *htpasswd
}

var _ auth.AccessController = &accessController{}

func newAccessController(options map[string]interface{}) (auth.AccessController, error) {
	realm, present := options["realm"]
	if _, ok := realm.(string); !present || !ok {
		return nil, fmt.Errorf(`"realm" must be set for htpasswd access controller`)
	}

	path, present := options["path"]
	if _, ok := path.(string); !present || !ok {
		return nil, fmt.Errorf(`"path" must be set for htpasswd access controller`)
	}

	ac := &accessController{realm: realm.(string), path: path.(string)}
	if err := ac.reload(); err != nil {
		return nil, err
	}
	return ac, nil
}

// reload rereads the file when its modification time moved. The caller
// must hold the lock once the controller is shared.
func (ac *accessController) reload() error {
	fstat, err := os.Stat(ac.path)
	if err != nil {
		return err
	}
	if ac.htpasswd != nil && fstat.ModTime().Equal(ac.modtime) {
		return nil
	}

	f, err := os.Open(ac.path)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := newHTPasswd(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", ac.path, err)
	}
	ac.htpasswd = h
	ac.modtime = fstat.ModTime()
	return nil
}

func (ac *accessController) Authorized(req *http.Request, accessRecords ...auth.Access) (*auth.Grant, error) {
	username, password, ok := req.BasicAuth()
	if !ok {
		return nil, &challenge{
			realm: ac.realm,
			err:   auth.ErrInvalidCredential,
		}
	}

	ac.Lock()
	err := ac.reload()
	localHTPasswd := ac.htpasswd
	ac.Unlock()
	if err != nil {
		return nil, err
	}

	if err := localHTPasswd.authenticateUser(username, password); err != nil {
		dcontext.GetLogger(req.Context()).Errorf("error authenticating user %q: %v", username, err)
		return nil, &challenge{
			realm: ac.realm,
			err:   auth.ErrAuthenticationFailure,
		}
	}

	return &auth.Grant{User: auth.UserInfo{Name: username}}, nil
}

// challenge implements the auth.Challenge interface.
type challenge struct {
	realm string
	err   error
}

var _ auth.Challenge = challenge{}

// SetHeaders sets the basic challenge header on the response.
func (ch challenge) SetHeaders(r *http.Request, w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", ch.realm))
}

func (ch challenge) Error() string {
	return fmt.Sprintf("basic authentication challenge for realm %q: %s", ch.realm, ch.err)
}

func (ch challenge) Unwrap() error {
	return ch.err
}

func init() {
	auth.Register("htpasswd", auth.InitFunc(newAccessController))
}
