package media

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckImage(t *testing.T) {
	cases := []struct {
		name, ct string
		size     int64
		err      error
	}{
		{"a.jpg", "image/jpeg", 10, nil},
		{"a.JPEG", "image/jpeg", 10, nil},
		{"a.jpg", "image/jpg", 10, nil},
		{"a.png", "", 10, nil},
		{"a.gif", "image/gif", 10, nil},
		{"a.png", "image/gif", 10, ErrUnsupportedImage},
		{"a.pdf", "application/pdf", 10, ErrUnsupportedImage},
		{"noext", "image/png", 10, ErrUnsupportedImage},
		{"a.png", "image/png", MaxImageSize + 1, ErrImageTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name+"/"+tc.ct, func(t *testing.T) {
			assert.ErrorIs(t, CheckImage(tc.name, tc.ct, tc.size), tc.err)
		})
	}
}

func TestDiskStoreSaveDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "http://localhost:8000/")
	require.NoError(t, err)

	obj, err := s.Save(context.Background(), "me.PNG", "image/png", []byte("png"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.Key, "users/"))
	assert.True(t, strings.HasSuffix(obj.Key, ".png"))
	assert.Equal(t, "http://localhost:8000/uploads/"+obj.Key, obj.URL)

	data, err := os.ReadFile(filepath.Join(dir, obj.Key))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	require.NoError(t, s.Delete(context.Background(), obj.Key))
	_, err = os.Stat(filepath.Join(dir, obj.Key))
	assert.True(t, os.IsNotExist(err))

	// deleting twice is fine
	assert.NoError(t, s.Delete(context.Background(), obj.Key))
	assert.Error(t, s.Delete(context.Background(), "../outside.png"))
}

func TestCloudinaryStore(t *testing.T) {
	var gotPaths []string
	var destroyed string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "key", r.FormValue("api_key"))
		assert.NotEmpty(t, r.FormValue("signature"))
		switch {
		case strings.HasSuffix(r.URL.Path, "/upload"):
			assert.Equal(t, "members", r.FormValue("folder"))
			_, _ = fmt.Fprint(w, `{"public_id":"members/abc","secure_url":"https://cdn/abc.png"}`)
		case strings.HasSuffix(r.URL.Path, "/destroy"):
			destroyed = r.FormValue("public_id")
			_, _ = fmt.Fprint(w, `{"result":"ok"}`)
		}
	}))
	defer srv.Close()

	c := NewCloudinaryStore("demo", "key", "secret", "members")
	c.Endpoint = srv.URL
	c.HTTP = srv.Client()

	obj, err := c.Save(context.Background(), "a.png", "image/png", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, Object{URL: "https://cdn/abc.png", Key: "members/abc"}, obj)

	require.NoError(t, c.Delete(context.Background(), obj.Key))
	assert.Equal(t, "members/abc", destroyed)
	assert.Equal(t, []string{"/demo/image/upload", "/demo/image/destroy"}, gotPaths)
}

func TestCloudinaryUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewCloudinaryStore("demo", "key", "secret", "")
	c.Endpoint = srv.URL
	_, err := c.Save(context.Background(), "a.png", "image/png", []byte("img"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestCloudinarySignature(t *testing.T) {
	c := NewCloudinaryStore("demo", "key", "secret", "")
	c.Now = func() time.Time { return time.Unix(1700000000, 0) }

	params := c.signedParams(map[string]string{"public_id": "x", "folder": ""})
	_, hasFolder := params["folder"]
	assert.False(t, hasFolder)

	want := fmt.Sprintf("%x", sha1.Sum([]byte("public_id=x&timestamp=1700000000secret")))
	assert.Equal(t, want, params["signature"])
}
