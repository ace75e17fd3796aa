package htpasswd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/goldboot/distribution/registry/auth"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	p, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(p)
}

func TestParseHTPasswd(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		input   string
		err     bool
		entries map[string][]byte
	}{
		{
			desc: "basic example",
			input: `
# This is a comment in a basic example.
bilbo:{SHA}5siv5c0SHx681xU6GiSx9ZQryqs=
frodo:$2y$05$926C3y10Quzn/LnqQH86VOEVh/18T6RnLaS.khre96jLNL/7e.K5W
MiShil:$2y$05$0oHgwMehvoe8iAWS8I.7l.KoECXrwVaC16RPfaSCU5eVTFrATuMI2
DeokMan:공주님
`,
			entries: map[string][]byte{
				"bilbo":   []byte("{SHA}5siv5c0SHx681xU6GiSx9ZQryqs="),
				"frodo":   []byte("$2y$05$926C3y10Quzn/LnqQH86VOEVh/18T6RnLaS.khre96jLNL/7e.K5W"),
				"MiShil":  []byte("$2y$05$0oHgwMehvoe8iAWS8I.7l.KoECXrwVaC16RPfaSCU5eVTFrATuMI2"),
				"DeokMan": []byte("공주님"),
			},
		},
		{
			desc: "ensures comments are filtered",
			input: `
# asdf:asdf
`,
			entries: map[string][]byte{},
		},
		{
			desc: "ensure midline hash is not comment",
			input: `
asdf:as#df
`,
			entries: map[string][]byte{
				"asdf": []byte("as#df"),
			},
		},
		{
			desc: "ensure midline hash is not comment",
			input: `
# A valid comment
valid:entry
asdf
`,
			err: true,
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			entries, err := parseHTPasswd(strings.NewReader(tc.input))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.entries, entries)
		})
	}
}

func TestAuthenticateUser(t *testing.T) {
	h, err := newHTPasswd(strings.NewReader("builder:" + hash(t, "golden") + "\n"))
	require.NoError(t, err)

	assert.NoError(t, h.authenticateUser("builder", "golden"))
	assert.ErrorIs(t, h.authenticateUser("builder", "tarnished"), auth.ErrAuthenticationFailure)
	assert.ErrorIs(t, h.authenticateUser("nobody", "golden"), auth.ErrAuthenticationFailure)
}
