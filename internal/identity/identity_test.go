package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoginShell(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "passwd")
	content := "# comment\n" +
		"root:x:0:0:root:/root:/bin/bash\n" +
		"alice:x:1000:1000:Alice:/home/alice:/usr/bin/zsh\n" +
		"broken:x:1001\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	assert.Equal(t, "/bin/bash", loginShell(path, "root"))
	assert.Equal(t, "/usr/bin/zsh", loginShell(path, "alice"))
	assert.Equal(t, "", loginShell(path, "broken"))
	assert.Equal(t, "", loginShell(path, "nobody-here"))
	assert.Equal(t, "", loginShell(filepath.Join(t.TempDir(), "missing"), "root"))
}

func TestLookupFunc(t *testing.T) {
	t.Parallel()
	var l Lookuper = LookupFunc(func(name string) (*User, error) {
		return &User{Name: name, Shell: DefaultShell}, nil
	})
	u, err := l.Lookup("bob")
	assert.NoError(t, err)
	assert.Equal(t, "bob", u.Name)
}
