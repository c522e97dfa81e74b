package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// DefaultFileField is the multipart field carrying the file when the upload
// destination does not name one.
const DefaultFileField = "file"

// UploadDestination is where a file is streamed before it can be referenced
// by a media message. Fields are sent as form fields ahead of the file.
type UploadDestination struct {
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields"`
	FileField string            `json:"file_field,omitempty"`
}

// Key is the storage key the server assigned to the upload.
func (d *UploadDestination) Key() string {
	return d.Fields["key"]
}

// MediaAttachment references an uploaded file.
type MediaAttachment struct {
	TempFileID string `json:"temp_file_id"`
	Name       string `json:"name"`
}

// MediaMessageRequest finalizes an uploaded attachment as a message.
type MediaMessageRequest struct {
	Message        string          `json:"message"`
	ReceiverID     *string         `json:"receiver_id"`
	ConversationID *string         `json:"conversation_id"`
	TempID         string          `json:"temp_id"`
	Attachment     MediaAttachment `json:"attachment"`
}

// UploadURL negotiates an upload destination.
func (c *Client) UploadURL(ctx context.Context) (*UploadDestination, error) {
	resp, err := c.Request(ctx, http.MethodGet, PathUploadURL, nil)
	if err != nil {
		return nil, err
	}
	var dest UploadDestination
	if err := resp.Decode(&dest); err != nil {
		return nil, err
	}
	if dest.URL == "" {
		return nil, fmt.Errorf("upload destination has no url")
	}
	if dest.FileField == "" {
		dest.FileField = DefaultFileField
	}
	return &dest, nil
}

// MediaMessage asks the server to create the message for an uploaded file.
func (c *Client) MediaMessage(ctx context.Context, req MediaMessageRequest) error {
	_, err := c.Request(ctx, http.MethodPost, PathMediaMessage, req)
	return err
}

// DownloadURL resolves a storage key to a fetchable URL.
func (c *Client) DownloadURL(ctx context.Context, key string) (string, error) {
	resp, err := c.Request(ctx, http.MethodGet, PathDownloadURL+"?key="+url.QueryEscape(key), nil)
	if err != nil {
		return "", err
	}
	var u string
	if err := resp.Decode(&u); err != nil {
		return "", err
	}
	return u, nil
}

// NullableString maps "" to a JSON null.
func NullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
