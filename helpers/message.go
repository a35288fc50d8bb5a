package helpers

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// ExtractPlaintextBody walks the MIME structure of a message and returns its
// plaintext body. When the message carries only an HTML part, the HTML is
// converted to plaintext. The result feeds the filter engine's body tests;
// extraction failures are not delivery failures.
func ExtractPlaintextBody(msg *message.Entity) (*string, error) {
	plaintext, html, err := findTextParts(msg)
	if err != nil {
		return nil, err
	}
	if plaintext != nil {
		return plaintext, nil
	}
	if html != nil {
		converted := html2text.HTML2Text(*html)
		return &converted, nil
	}
	empty := ""
	return &empty, nil
}

func findTextParts(entity *message.Entity) (plaintext, html *string, err error) {
	mediaType, _, _ := entity.Header.ContentType()

	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return plaintext, html, fmt.Errorf("failed to read part: %w", err)
			}
			p, h, err := findTextParts(part)
			if err != nil {
				return plaintext, html, err
			}
			if plaintext == nil {
				plaintext = p
			}
			if html == nil {
				html = h
			}
			if plaintext != nil {
				return plaintext, html, nil
			}
		}
		return plaintext, html, nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read body: %w", err)
	}
	body := string(content)
	switch {
	case strings.HasPrefix(mediaType, "text/plain"), mediaType == "":
		return &body, nil, nil
	case strings.HasPrefix(mediaType, "text/html"):
		return nil, &body, nil
	}
	return nil, nil, nil
}
