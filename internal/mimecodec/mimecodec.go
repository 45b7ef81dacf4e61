// Package mimecodec is the Message Format Codec (MFC) boundary: the only
// place in the module that imports github.com/emersion/go-message. It
// translates between the wire bytes stored by the content manager and the
// internal/mailmsg.Message shape the engines operate on.
package mimecodec

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	emmail "github.com/emersion/go-message/mail"

	"github.com/infodancer/mailcore/internal/mailerr"
	"github.com/infodancer/mailcore/internal/mailmsg"
)

func init() {
	message.CharsetReader = func(charset string, r io.Reader) (io.Reader, error) {
		// Only UTF-8 and US-ASCII are accepted without an external decoder
		// table; anything else is passed through undecoded rather than
		// dropping the part, matching spec.md's "preserve, don't discard"
		// posture for exotic charsets.
		switch strings.ToLower(charset) {
		case "", "utf-8", "us-ascii", "ascii":
			return r, nil
		default:
			return r, nil
		}
	}
}

// Decode parses raw RFC 5322 message bytes into a mailmsg.Message.
func Decode(raw []byte) (*mailmsg.Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, mailerr.Wrap(mailerr.KindInvalidSyntax, "parsing message", err)
	}

	msg := &mailmsg.Message{
		Headers: map[string][]string{},
		Size:    int64(len(raw)),
	}

	fields := entity.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		val, _ := fields.Text()
		msg.Headers[key] = append(msg.Headers[key], val)
	}

	mr := emmail.NewReader(entity)
	header := mr.Header
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		if addr, perr := mailmsg.ParseAddress(from[0].Address); perr == nil {
			msg.From = addr
		}
	}
	if to, err := header.AddressList("To"); err == nil {
		for _, t := range to {
			if addr, perr := mailmsg.ParseAddress(t.Address); perr == nil {
				msg.To = append(msg.To, addr)
			}
		}
	}
	msg.Subject, _ = header.Subject()
	if d, err := header.Date(); err == nil {
		msg.Date = d
	} else {
		msg.Date = time.Now()
	}
	if id, err := header.MessageID(); err == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, nil
		}

		switch h := part.Header.(type) {
		case *emmail.InlineHeader:
			ct, params, _ := h.ContentType()
			body, _ := io.ReadAll(part.Body)
			switch {
			case strings.HasPrefix(ct, "text/html"):
				msg.HTMLBody = string(body)
			case strings.HasPrefix(ct, "text/") || ct == "":
				msg.TextBody = string(body)
			default:
				msg.Attachments = append(msg.Attachments, mailmsg.Attachment{
					ContentType: ct,
					Content:     body,
				})
			}
			_ = params
		case *emmail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(part.Body)
			msg.Attachments = append(msg.Attachments, mailmsg.Attachment{
				Filename:    filename,
				ContentType: ct,
				Content:     body,
			})
		}
	}

	return msg, nil
}

// Encode serializes a mailmsg.Message into RFC 5322 wire bytes suitable for
// SMTP DATA transmission or content-manager storage.
func Encode(msg *mailmsg.Message) ([]byte, error) {
	var buf bytes.Buffer

	var h emmail.Header
	h.SetAddressList("From", []*emmail.Address{{Address: msg.From.String()}})
	var to []*emmail.Address
	for _, t := range msg.To {
		to = append(to, &emmail.Address{Address: t.String()})
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	date := msg.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	if msg.MessageID != "" {
		h.SetMessageID(strings.Trim(msg.MessageID, "<>"))
	}
	for k, vals := range msg.Headers {
		for _, v := range vals {
			h.Add(k, v)
		}
	}

	mw, err := emmail.CreateWriter(&buf, h)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.KindInvalidSyntax, "creating writer", err)
	}

	if msg.TextBody != "" || msg.HTMLBody != "" {
		bw, err := mw.CreateInline()
		if err != nil {
			return nil, err
		}
		if msg.TextBody != "" {
			var th emmail.InlineHeader
			th.Set("Content-Type", mime.FormatMediaType("text/plain", map[string]string{"charset": "utf-8"}))
			tw, err := bw.CreatePart(th)
			if err == nil {
				_, _ = tw.Write([]byte(msg.TextBody))
				_ = tw.Close()
			}
		}
		if msg.HTMLBody != "" {
			var th emmail.InlineHeader
			th.Set("Content-Type", mime.FormatMediaType("text/html", map[string]string{"charset": "utf-8"}))
			tw, err := bw.CreatePart(th)
			if err == nil {
				_, _ = tw.Write([]byte(msg.HTMLBody))
				_ = tw.Close()
			}
		}
		_ = bw.Close()
	}

	for _, att := range msg.Attachments {
		var ah emmail.AttachmentHeader
		ah.SetFilename(att.Filename)
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			continue
		}
		_, _ = aw.Write(att.Content)
		_ = aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExtractHeader returns the first value of a header field from raw message
// bytes without a full parse, used by PCE's retrieve_all filtering where
// only a handful of headers need inspecting.
func ExtractHeader(raw []byte, name string) (string, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("mimecodec: %w", err)
	}
	return entity.Header.Get(name), nil
}
