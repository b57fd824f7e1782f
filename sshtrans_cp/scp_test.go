package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHostPath(t *testing.T) {
	host, path := splitHostPath("example.com:/tmp/a.txt")
	assert.Equal(t, "example.com", host)
	assert.Equal(t, "/tmp/a.txt", path)

	host, path = splitHostPath("local.txt")
	assert.Equal(t, "local.txt", host)
	assert.Empty(t, path)
}

func TestMakeDirs(t *testing.T) {
	dir := clean(t.TempDir())
	target := dir + "/a/b/c/file.txt"
	require.NoError(t, makeDirs(target, localFS{}))

	st, err := os.Stat(filepath.Join(dir, "a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func writeTree(t *testing.T, root string, files map[string][]byte) {
	for name, data := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, data, 0600))
	}
}

func TestCopyFileKeepsModeAndTime(t *testing.T) {
	dir := clean(t.TempDir())
	data := bytes.Repeat([]byte("0123456789"), 10000)
	writeTree(t, dir, map[string][]byte{"src.bin": data})
	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(dir+"/src.bin", mtime, mtime))

	require.NoError(t, copyFile(localFS{}, localFS{}, dir+"/src.bin", dir+"/dst.bin"))

	got, err := os.ReadFile(dir + "/dst.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	st, err := os.Stat(dir + "/dst.bin")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())
	assert.True(t, mtime.Equal(st.ModTime()))
}

func TestCopyIntoDirectory(t *testing.T) {
	src := clean(t.TempDir())
	dst := clean(t.TempDir()) + "/out"
	writeTree(t, src, map[string][]byte{
		"one.txt":         []byte("one"),
		"tree/two.txt":    []byte("two"),
		"tree/sub/3.txt":  []byte("three"),
		"tree/sub/4.txt":  []byte("four"),
		"ignored/5.txt":   []byte("five"),
		"tree/sub2/6.txt": []byte("six"),
	})

	intoDir, err := prepareTarget(localFS{}, dst, true)
	require.NoError(t, err)
	assert.True(t, intoDir)

	require.NoError(t, copyInto(localFS{}, localFS{}, src+"/one.txt", dst, intoDir, false))
	require.NoError(t, copyInto(localFS{}, localFS{}, src+"/ignored", dst, intoDir, false))
	require.NoError(t, copyInto(localFS{}, localFS{}, src+"/tree", dst, intoDir, true))

	for name, want := range map[string]string{
		"one.txt":    "one",
		"two.txt":    "two",
		"sub/3.txt":  "three",
		"sub/4.txt":  "four",
		"sub2/6.txt": "six",
	} {
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(got))
	}
	_, err = os.Stat(filepath.Join(dst, "5.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestPrepareTargetRejectsFile(t *testing.T) {
	dir := clean(t.TempDir())
	writeTree(t, dir, map[string][]byte{"file": []byte("x")})

	_, err := prepareTarget(localFS{}, dir+"/file", true)
	assert.Error(t, err)

	intoDir, err := prepareTarget(localFS{}, dir+"/file", false)
	require.NoError(t, err)
	assert.False(t, intoDir)
}

// memRemote serves an in-memory sftp tree over a pipe.
func memRemote(t *testing.T) remoteFS {
	c, s := net.Pipe()
	srv := sftp.NewRequestServer(s, sftp.InMemHandler())
	go srv.Serve()
	client, err := sftp.NewClientPipe(c, c, sftp.MaxPacket(copyBufSize))
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return remoteFS{client}
}

func TestCopyThroughSFTP(t *testing.T) {
	remote := memRemote(t)
	src := clean(t.TempDir())
	writeTree(t, src, map[string][]byte{
		"a.txt":     []byte("alpha"),
		"sub/b.txt": bytes.Repeat([]byte("b"), 3*copyBufSize+7),
	})

	intoDir, err := prepareTarget(remote, "/up", true)
	require.NoError(t, err)
	require.NoError(t, copyInto(localFS{}, remote, src+"/a.txt", "/up", intoDir, false))
	require.NoError(t, copyInto(localFS{}, remote, src+"/sub", "/up", intoDir, true))

	st, err := remote.Stat("/up/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3*copyBufSize+7), st.Size())

	back := clean(t.TempDir())
	require.NoError(t, copyInto(remote, localFS{}, "/up", back, true, true))
	got, err := os.ReadFile(filepath.Join(back, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
	got, err = os.ReadFile(filepath.Join(back, "b.txt"))
	require.NoError(t, err)
	assert.Len(t, got, 3*copyBufSize+7)
}
