package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// Metadata is sent alongside every file of a submission.
type Metadata struct {
	PatientID string
	StudyID   string
}

// UploadedFile mirrors the "file" object of a successful upload response.
type UploadedFile struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Uploader sends one file to the ingestion endpoint. progress is called with
// the number of file bytes handed to the transport so far.
type Uploader interface {
	Upload(ctx context.Context, file PendingFile, meta Metadata, progress func(sent int64)) (*UploadedFile, error)
}

// ServerError is a non-2xx answer from the ingestion endpoint.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upload rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("upload rejected with status %d: %s", e.StatusCode, e.Message)
}

type uploadResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	File    UploadedFile `json:"file"`
	Error   string       `json:"error"`
}

// HTTPUploader posts files as multipart/form-data. The body is streamed
// through a pipe, so progress follows what the HTTP client actually sends.
type HTTPUploader struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPUploader returns an uploader for endpoint, e.g. http://host:8080/upload.
func NewHTTPUploader(endpoint string, client *http.Client) *HTTPUploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUploader{endpoint: endpoint, httpClient: client}
}

func (u *HTTPUploader) Upload(ctx context.Context, file PendingFile, meta Metadata, progress func(sent int64)) (*UploadedFile, error) {
	src, err := file.open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", file.Name, err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeForm(mw, src, file, meta, progress))
	}()
	// The writer must be gone before returning so no progress event outlives the call.
	defer func() {
		pr.CloseWithError(io.ErrClosedPipe)
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, pr)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	var body uploadResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding response: %w", decodeErr)
	}
	if !body.Success {
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return &body.File, nil
}

func writeForm(mw *multipart.Writer, src io.Reader, file PendingFile, meta Metadata, progress func(int64)) error {
	if meta.PatientID != "" {
		if err := mw.WriteField("patientId", meta.PatientID); err != nil {
			return err
		}
	}
	if meta.StudyID != "" {
		if err := mw.WriteField("studyId", meta.StudyID); err != nil {
			return err
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
	header.Set("Content-Type", file.ContentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	if _, err := io.Copy(&progressWriter{w: part, report: progress}, src); err != nil {
		return err
	}
	return mw.Close()
}

// progressWriter reports after each write returns. Writes into the pipe only
// return once the HTTP client has consumed them.
type progressWriter struct {
	w      io.Writer
	sent   int64
	report func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.sent += int64(n)
	if p.report != nil && n > 0 {
		p.report(p.sent)
	}
	return n, err
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
