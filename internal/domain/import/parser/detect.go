package parser

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/import/sniffer"
)

// Upload is a report as received from the caller.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	// Channel is the caller's declared channel; empty means detect from headers.
	Channel Channel
}

// Format is the outcome of format detection: the container kind, the sheet
// read from it and the channel whose parser will handle it.
type Format struct {
	Kind        sniffer.FileKind
	Spreadsheet sniffer.SpreadsheetFormat
	Channel     Channel
	Sheet       *Sheet
}

// Parser returns the strategy selected for the detected format.
func (f *Format) Parser() Parser {
	return f.Channel.Parser()
}

// Parse runs the selected parser over the detected sheet.
func (f *Format) Parse() (*Batch, error) {
	return f.Parser().Parse(f.Sheet)
}

// UnsupportedFormatError reports an upload that is neither a readable
// spreadsheet nor delimited text.
type UnsupportedFormatError struct {
	Filename    string
	ContentType string
	Reason      string
	Err         error
}

func (e *UnsupportedFormatError) Error() string {
	msg := fmt.Sprintf("unsupported file format for %q", e.Filename)
	if e.ContentType != "" {
		msg += fmt.Sprintf(" (%s)", e.ContentType)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnsupportedFormatError) Unwrap() error { return e.Err }

// IsUnsupportedFormat reports whether err is an UnsupportedFormatError.
func IsUnsupportedFormat(err error) bool {
	var target *UnsupportedFormatError
	return errors.As(err, &target)
}

// DetectFormat classifies the upload, reads its report sheet and selects
// the channel parser. The declared channel wins over header detection.
func DetectFormat(u Upload) (*Format, error) {
	unsupported := func(reason string, err error) error {
		return &UnsupportedFormatError{Filename: u.Filename, ContentType: u.ContentType, Reason: reason, Err: err}
	}

	kind, spreadsheet, err := sniffer.DetectKind(u.Filename, u.Data)
	if err != nil {
		return nil, unsupported(err.Error(), err)
	}

	var sheet *Sheet
	switch {
	case kind == sniffer.KindSpreadsheet && spreadsheet == sniffer.FormatXLSX:
		sheet, err = ReadXLSX(u.Filename, bytes.NewReader(u.Data))
	case kind == sniffer.KindSpreadsheet && spreadsheet == sniffer.FormatXLS:
		sheet, err = ReadXLS(u.Filename, u.Data)
	default:
		sheet, err = ReadDelimited(u.Filename, u.Data)
	}
	if err != nil {
		return nil, unsupported("unreadable "+string(kind), err)
	}

	channel := u.Channel
	if channel == "" {
		channel = DetectChannel(sheet.Headers)
	}
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	return &Format{
		Kind:        kind,
		Spreadsheet: spreadsheet,
		Channel:     channel,
		Sheet:       sheet,
	}, nil
}
