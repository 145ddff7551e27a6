// Package parser streams MediaWiki XML export dumps and turns each <page>
// element into an article.Article, decompressing bz2 on the fly.
//
// The sequence is lazy, finite, and non-restartable: Next must be called
// until it returns (false, nil), and the Dump must not be reused afterwards.
package parser

import (
	"bufio"
	"compress/bzip2"
	"encoding/xml"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"gitlab.com/tozd/go/errors"

	"github.com/offlinewiki/wikicore/internal/article"
	"github.com/offlinewiki/wikicore/internal/xerrors"
)

// Options configures a Dump.
type Options struct {
	// SkipRedirects drops pages which are redirects. Default on.
	SkipRedirects bool
	// TitlePrefix, if non-empty, restricts the stream to pages whose
	// title starts with this prefix.
	TitlePrefix string
}

// DefaultOptions returns the spec's default options (skip redirects on,
// no title filter).
func DefaultOptions() Options {
	return Options{SkipRedirects: true}
}

// SkippedEvent reports that a single page failed to parse below the
// record level and was skipped, without aborting the stream.
type SkippedEvent struct {
	Title  string
	Reason string
}

// Dump is a lazy, finite, non-restartable sequence of Articles read from a
// bz2-compressed MediaWiki export file.
type Dump struct {
	file    *os.File
	decoder *xml.Decoder
	opts    Options

	skipped []SkippedEvent

	done bool
	err  errors.E
}

// xmlPage mirrors the subset of MediaWiki's export schema we extract from.
// Field names follow the export-0.10 schema exactly.
type xmlPage struct {
	Title    string `xml:"title"`
	Redirect *struct {
		Title string `xml:"title,attr"`
	} `xml:"redirect"`
	Revision struct {
		Timestamp string `xml:"timestamp"`
		Text      string `xml:"text"`
	} `xml:"revision"`
}

// Open opens path (a bz2-compressed MediaWiki XML export) and prepares to
// stream its <page> elements. The returned Dump owns the underlying file
// handle; callers must call Close when done (Next does this automatically
// once exhausted, but Close is safe to call multiple times).
func Open(path string, opts Options) (*Dump, errors.E) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, xerrors.Wrap(xerrors.DumpIo, err, "opening dump")
	}

	br := bufio.NewReaderSize(f, 1<<20)
	bz := bzip2.NewReader(br)
	decoder := xml.NewDecoder(bz)

	return &Dump{
		file:    f,
		decoder: decoder,
		opts:    opts,
	}, nil
}

// Close releases the underlying file handle.
func (d *Dump) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Skipped returns the pages skipped so far because of record-level parse
// issues. It must not be called concurrently with Next.
func (d *Dump) Skipped() []SkippedEvent {
	return d.skipped
}

// Next advances the stream and returns the next Article. It returns
// (nil, false, nil) when the stream is exhausted, and (nil, false, err)
// on a fatal decompression or XML-structure error.
func (d *Dump) Next() (*article.Article, bool, errors.E) {
	if d.done {
		return nil, false, d.err
	}

	for {
		tok, err := d.decoder.Token()
		if err == io.EOF {
			d.done = true
			_ = d.Close()
			return nil, false, nil
		}
		if err != nil {
			d.done = true
			d.err = xerrors.Wrap(xerrors.Malformed, err, "reading dump XML")
			_ = d.Close()
			return nil, false, d.err
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "page" {
			continue
		}

		var p xmlPage
		if err := d.decoder.DecodeElement(&p, &start); err != nil {
			// A single malformed page is skipped, not fatal for the stream.
			d.skipped = append(d.skipped, SkippedEvent{Title: p.Title, Reason: err.Error()})
			continue
		}

		if p.Redirect != nil && d.opts.SkipRedirects {
			continue
		}
		if d.opts.TitlePrefix != "" && !strings.HasPrefix(p.Title, d.opts.TitlePrefix) {
			continue
		}
		if !utf8.ValidString(p.Title) || !utf8.ValidString(p.Revision.Text) {
			d.skipped = append(d.skipped, SkippedEvent{Title: p.Title, Reason: "invalid UTF-8"})
			continue
		}

		lastModified, errTime := time.Parse(time.RFC3339, p.Revision.Timestamp)
		if errTime != nil {
			lastModified = time.Time{}
		}

		body, categories := ExtractPlaintext(p.Revision.Text)

		return &article.Article{
			Title:        NormalizeTitle(p.Title),
			Body:         body,
			Categories:   categories,
			LastModified: lastModified.UTC(),
		}, true, nil
	}
}
