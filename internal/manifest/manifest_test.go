package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/twin/internal/transport"
)

func TestLoad_Directory(t *testing.T) {
	m, err := Load("testdata")
	require.NoError(t, err)

	assert.Equal(t, "demo", m.App)
	assert.Equal(t, "./cmd/twin", m.Main)
	require.Len(t, m.Targets, 3)
	assert.Equal(t, []string{"client", "client-arm", "server"},
		[]string{m.Targets[0].Name, m.Targets[1].Name, m.Targets[2].Name})

	arm, ok := m.Target("client-arm")
	require.True(t, ok)
	assert.Equal(t, transport.RoleClient, arm.Role)
	assert.Equal(t, []string{"GOOS=linux", "GOARCH=arm64"}, arm.Env())
	assert.Equal(t, []string{"build", "-tags", "client,netgo", "-o", "dist/client/demo-arm64", "./cmd/twin"}, arm.BuildArgs(m.Main))

	server, ok := m.Target("server")
	require.True(t, ok)
	assert.Empty(t, server.Tags)
	assert.Nil(t, server.Env())
	assert.Equal(t, []string{"build", "-o", "dist/server/demo", "./cmd/twin"}, server.BuildArgs(m.Main))

	_, ok = m.Target("missing")
	assert.False(t, ok)
}

func TestParse_Defaults(t *testing.T) {
	m, err := Parse("twin.cue", []byte(`
app: "todo"
targets: {
	srv: { role: "server", output: "bin/srv" }
	web: { role: "client", tags: ["client"], output: "bin/web" }
}
`))
	require.NoError(t, err)
	assert.Equal(t, "./cmd/twin", m.Main)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "syntax",
			src:  `app: "x" targets: {`,
			want: "twin.cue",
		},
		{
			name: "unknown role",
			src: `app: "x"
targets: srv: { role: "edge", output: "a" }`,
			want: "role",
		},
		{
			name: "missing output",
			src: `app: "x"
targets: srv: { role: "server" }`,
			want: "output",
		},
		{
			name: "no server",
			src: `app: "x"
targets: web: { role: "client", tags: ["client"], output: "a" }`,
			want: "exactly one server target required, found 0",
		},
		{
			name: "two servers",
			src: `app: "x"
targets: {
	a: { role: "server", output: "a" }
	b: { role: "server", output: "b" }
	c: { role: "client", tags: ["client"], output: "c" }
}`,
			want: "found 2",
		},
		{
			name: "no client",
			src: `app: "x"
targets: srv: { role: "server", output: "a" }`,
			want: "at least one client target required",
		},
		{
			name: "client without tag",
			src: `app: "x"
targets: {
	srv: { role: "server", output: "a" }
	web: { role: "client", output: "b" }
}`,
			want: `client target must set the "client" tag`,
		},
		{
			name: "server with client tag",
			src: `app: "x"
targets: {
	srv: { role: "server", tags: ["client"], output: "a" }
	web: { role: "client", tags: ["client"], output: "b" }
}`,
			want: "server target must not set",
		},
		{
			name: "shared output",
			src: `app: "x"
targets: {
	srv: { role: "server", output: "a" }
	web: { role: "client", tags: ["client"], output: "a" }
}`,
			want: `output "a" already used`,
		},
		{
			name: "bad app name",
			src: `app: "my app"
targets: {
	srv: { role: "server", output: "a" }
	web: { role: "client", tags: ["client"], output: "b" }
}`,
			want: "app",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("twin.cue", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	m := Default("demo")
	require.NoError(t, m.Validate())
	client, ok := m.Target("client")
	require.True(t, ok)
	assert.Equal(t, []string{"client"}, client.Tags)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestError_Format(t *testing.T) {
	assert.Equal(t, "targets: bad", (&Error{Field: "targets", Message: "bad"}).Error())
}
