package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"

	staging "github.com/ef-robotics/ailet/pkg/staging"
)

const (
	PhotosPath = "/api/v2/photos/"
	MediaType  = "image/jpeg"
)

// Form holds the static metadata sent with every photo.
type Form struct {
	PhotoID string
	VisitID string
	TaskID  string
}

// Endpoint joins a base URL and the photos path.
func Endpoint(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + PhotosPath
}

// encode writes the multipart body: photo_id, visit_id, task_id, photo_data.
func encode(form Form, f staging.Frame) (*bytes.Buffer, string, error) {
	photo, err := os.Open(f.Path)
	if err != nil {
		return nil, "", err
	}
	defer photo.Close()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	photoID := form.PhotoID
	if photoID == "" {
		photoID = f.ID
	}
	fields := [][2]string{
		{"photo_id", photoID},
		{"visit_id", form.VisitID},
		{"task_id", form.TaskID},
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo_data"; filename="%s"`, escapeQuotes(f.Name)))
	h.Set("Content-Type", MediaType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, photo); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
