package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/locai-labs/wagateway/internal/auth"
	"github.com/locai-labs/wagateway/internal/clock"
	"github.com/locai-labs/wagateway/internal/session"
)

const (
	maxMessageChars  = 4096
	maxBulkMessages  = 50
	defaultBulkDelay = 2 * time.Second

	mediaField      = "media"
	multipartMemory = 10 << 20
	formOverhead    = 1 << 20 // slack for non-file fields on top of MAX_FILE_SIZE
)

var (
	phoneRe   = regexp.MustCompile(`^\+?[1-9]\d{10,14}$`)
	safeExtRe = regexp.MustCompile(`^\.[a-z0-9]+$`)
)

type sendRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

func (req *sendRequest) validate() error {
	if !phoneRe.MatchString(req.To) {
		return errors.New("to must be a phone number in international format")
	}
	if req.Message == "" && req.MediaURL == "" {
		return errors.New("message is required")
	}
	if utf8.RuneCountInString(req.Message) > maxMessageChars {
		return fmt.Errorf("message exceeds %d characters", maxMessageChars)
	}
	switch req.Type {
	case "", "text", "image", "video", "audio", "document":
	default:
		return fmt.Errorf("unsupported message type %q", req.Type)
	}
	if req.Type != "" && req.Type != "text" && req.MediaURL == "" {
		return errors.New("mediaUrl is required for media messages")
	}
	return nil
}

func (req *sendRequest) messageData() session.MessageData {
	return session.MessageData{
		To:       req.To,
		Type:     req.Type,
		Text:     req.Message,
		MediaURL: req.MediaURL,
		Caption:  req.Caption,
		FileName: req.FileName,
	}
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"` // Unix ms
}

// apiSendMessage sends one text or URL-referenced media message.
func (s *Server) apiSendMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermMessagesSend)
	if !ok {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, errValidation, err.Error())
		return
	}

	res, err := s.deps.Sessions.Send(r.Context(), tenantID, req.messageData())
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	s.writeData(w, http.StatusOK, s.sendResponseFor(req.To, res.MessageID, res.Timestamp))
}

// apiSendMedia accepts a multipart upload, stores the file for later
// retrieval under /uploads/, and sends it through the session.
func (s *Server) apiSendMedia(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermMessagesSend)
	if !ok {
		return
	}

	maxSize := s.deps.Config.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, errValidation, "invalid multipart form or file too large")
		return
	}

	file, header, err := r.FormFile(mediaField)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errValidation, "media file is required")
		return
	}
	defer file.Close()

	to := r.FormValue("to")
	message := r.FormValue("message")
	if !phoneRe.MatchString(to) {
		s.writeError(w, http.StatusBadRequest, errValidation, "to must be a phone number in international format")
		return
	}
	if utf8.RuneCountInString(message) > maxMessageChars {
		s.writeError(w, http.StatusBadRequest, errValidation, fmt.Sprintf("message exceeds %d characters", maxMessageChars))
		return
	}
	if header.Size > maxSize {
		s.writeError(w, http.StatusBadRequest, errValidation, fmt.Sprintf("file exceeds maximum size of %d bytes", maxSize))
		return
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to read upload")
		return
	}

	name := storedName(mediaField, header.Filename, s.deps.Clock.Now())
	if err := s.saveUpload(name, raw); err != nil {
		s.deps.Log.Error("store upload", "tenant", tenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, errInternal, "failed to store upload")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	data := session.MessageData{
		To:       to,
		Type:     mediaTypeFor(r.FormValue("type"), mimeType),
		Text:     message,
		Media:    raw,
		MimeType: mimeType,
		FileName: header.Filename,
		Caption:  r.FormValue("caption"),
	}
	res, err := s.deps.Sessions.Send(r.Context(), tenantID, data)
	if err != nil {
		s.writeSendError(w, err)
		return
	}

	resp := s.sendResponseFor(to, res.MessageID, res.Timestamp)
	s.writeData(w, http.StatusOK, map[string]any{
		"messageId": resp.MessageID,
		"to":        resp.To,
		"timestamp": resp.Timestamp,
		"mediaUrl":  s.publicUploadURL(name),
		"fileName":  name,
	})
}

type bulkItem struct {
	sendRequest
	// DelayMs overrides the default spacing between this message and the
	// next one.
	DelayMs *int `json:"delayMs,omitempty"`
}

type bulkResult struct {
	Index     int    `json:"index"`
	To        string `json:"to"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// apiSendBulk sends up to 50 messages with pacing between them, reporting a
// per-item outcome. Invalid items are skipped, not fatal.
func (s *Server) apiSendBulk(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenant(w, r, auth.PermMessagesSend)
	if !ok {
		return
	}

	var req struct {
		Messages []bulkItem `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, errValidation, "messages is required")
		return
	}
	if len(req.Messages) > maxBulkMessages {
		s.writeError(w, http.StatusBadRequest, errValidation, fmt.Sprintf("bulk send accepts at most %d messages", maxBulkMessages))
		return
	}

	// Default spacing comes from the limiter; a delayMs on the previous
	// item replaces it for that gap.
	limiter := rate.NewLimiter(rate.Every(defaultBulkDelay), 1)
	results := make([]bulkResult, 0, len(req.Messages))
	sent := 0

	for i, item := range req.Messages {
		if i > 0 && req.Messages[i-1].DelayMs != nil {
			d := time.Duration(*req.Messages[i-1].DelayMs) * time.Millisecond
			if err := clock.Sleep(r.Context(), s.deps.Clock, d); err != nil {
				results = appendCanceled(results, req.Messages[i:], i)
				break
			}
		} else if err := limiter.Wait(r.Context()); err != nil {
			results = appendCanceled(results, req.Messages[i:], i)
			break
		}

		out := bulkResult{Index: i, To: item.To}
		if err := item.validate(); err != nil {
			out.Error = err.Error()
		} else if res, err := s.deps.Sessions.Send(r.Context(), tenantID, item.messageData()); err != nil {
			out.Error = sendErrorText(err)
		} else {
			out.Success = true
			out.MessageID = res.MessageID
			sent++
		}
		results = append(results, out)
	}

	s.writeData(w, http.StatusOK, map[string]any{
		"results": results,
		"summary": map[string]int{
			"total":  len(req.Messages),
			"sent":   sent,
			"failed": len(req.Messages) - sent,
		},
	})
}

// serveUpload serves stored media files. Stored names never contain path
// separators, so anything else is rejected outright.
func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}
	// Stored names are random and never rewritten, so cached copies stay valid.
	if ttl := s.deps.Config.CacheTTL; ttl > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(ttl.Seconds())))
	}
	http.ServeFile(w, r, filepath.Join(s.deps.Config.UploadDir, name))
}

// writeSendError maps send failures onto the API taxonomy. Media fetch and
// adapter failures carry their error text so clients can see what happened.
func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotConnected) {
		s.writeError(w, http.StatusBadRequest, errNotConnected, "session not connected")
		return
	}
	s.writeError(w, http.StatusBadRequest, err.Error(), "message send failed")
}

func sendErrorText(err error) string {
	if errors.Is(err, session.ErrNotConnected) {
		return errNotConnected
	}
	return err.Error()
}

func (s *Server) sendResponseFor(to, messageID string, ts time.Time) sendResponse {
	if ts.IsZero() {
		ts = s.deps.Clock.Now()
	}
	return sendResponse{MessageID: messageID, To: to, Timestamp: ts.UnixMilli()}
}

func appendCanceled(results []bulkResult, rest []bulkItem, offset int) []bulkResult {
	for j, item := range rest {
		results = append(results, bulkResult{Index: offset + j, To: item.To, Error: "canceled"})
	}
	return results
}

// mediaTypeFor derives the message type from the uploaded content type when
// the client did not name one.
func mediaTypeFor(requested, mimeType string) string {
	if requested != "" {
		return requested
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

// storedName builds the on-disk upload name: <field>-<epochms>-<rand><ext>.
// The original extension is kept only when it looks harmless.
func storedName(field, original string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(original)))
	if ext != "" && (len(ext) > 8 || !safeExtRe.MatchString(ext)) {
		ext = ""
	}
	return fmt.Sprintf("%s-%d-%d%s", field, now.UnixMilli(), rand.IntN(1_000_000_000), ext)
}

func (s *Server) saveUpload(name string, data []byte) error {
	dir := s.deps.Config.UploadDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

func (s *Server) publicUploadURL(name string) string {
	return strings.TrimRight(s.deps.Config.BaseURL, "/") + "/uploads/" + name
}
