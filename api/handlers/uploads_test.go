package handlers

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/types"
)

type fakeUploader struct {
	userID, filename, contentType string
	body                          []byte
	err                           error
}

func (f *fakeUploader) Upload(_ context.Context, userID, filename, contentType string, r io.Reader, _ int64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.userID, f.filename, f.contentType = userID, filename, contentType
	f.body, _ = io.ReadAll(r)
	return "https://cdn.example.com/uploads/" + filename, nil
}

func multipartRequest(t *testing.T, field, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func TestUploadHandler_HandleUpload(t *testing.T) {
	up := &fakeUploader{}
	h := NewUploadHandler(up, 0, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleUpload(w, asUser(multipartRequest(t, "file", "cat.png", "image/png", []byte("\x89PNG")), "u-1"))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]any)
	assert.Equal(t, "https://cdn.example.com/uploads/cat.png", data["url"])
	assert.Equal(t, "u-1", up.userID)
	assert.Equal(t, "image/png", up.contentType)
	assert.Equal(t, []byte("\x89PNG"), up.body)
}

func TestUploadHandler_Rejects(t *testing.T) {
	t.Run("anonymous", func(t *testing.T) {
		h := NewUploadHandler(&fakeUploader{}, 0, nil)
		w := httptest.NewRecorder()
		h.HandleUpload(w, multipartRequest(t, "file", "cat.png", "image/png", []byte("x")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing file field", func(t *testing.T) {
		h := NewUploadHandler(&fakeUploader{}, 0, nil)
		w := httptest.NewRecorder()
		h.HandleUpload(w, asUser(multipartRequest(t, "image", "cat.png", "image/png", []byte("x")), "u-1"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("too large", func(t *testing.T) {
		h := NewUploadHandler(&fakeUploader{}, 16, nil)
		w := httptest.NewRecorder()
		h.HandleUpload(w, asUser(multipartRequest(t, "file", "cat.png", "image/png", bytes.Repeat([]byte("x"), 64)), "u-1"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("uploader rejects type", func(t *testing.T) {
		h := NewUploadHandler(&fakeUploader{err: types.NewError(types.ErrInvalidRequest, "only images can be uploaded")}, 0, nil)
		w := httptest.NewRecorder()
		h.HandleUpload(w, asUser(multipartRequest(t, "file", "a.txt", "text/plain", []byte("x")), "u-1"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "only images can be uploaded", decodeResponse(t, w).Error.Message)
	})
}
