package rpmstage

import (
	"bytes"

	"github.com/pkg/errors"
)

var (
	ErrMissingRequiredTag = errors.New("required rpm tag is missing")
	ErrInvalidRPMTagType  = errors.New("rpm tag is wrong type")
	ErrNotWritten         = errors.New("rpm has not been written yet")
)

type requiredInfo struct {
	rpmType     int
	description string
}

var requiredSignatureTags = map[int]requiredInfo{
	sigSHA256:      {typeString, "signature sha256"},
	sigSize:        {typeInt32, "signature size"},
	sigPayloadSize: {typeInt32, "signature payload size"},
}

var requiredHeaderTags = map[int]requiredInfo{
	tagName:              {typeString, "rpm name"},
	tagSummary:           {typeString, "rpm summary"},
	tagDescription:       {typeString, "rpm description"},
	tagVersion:           {typeString, "rpm version"},
	tagRelease:           {typeString, "rpm release"},
	tagSize:              {typeInt32, "rpm size"},
	tagLicence:           {typeString, "rpm licence"},
	tagOS:                {typeString, "rpm os"},
	tagArch:              {typeString, "rpm architecture"},
	tagPayloadFormat:     {typeString, "rpm payload format"},
	tagPayloadCompressor: {typeString, "rpm payload compressor"},
	tagPayloadFlags:      {typeString, "rpm payload flags"},
}

// VerifyRequiredTags checks the written headers for the tags rpm refuses to
// install without. It must be called after Write.
func (p *Package) VerifyRequiredTags() error {
	if p.sigIndex == nil || p.headerIndex == nil {
		return ErrNotWritten
	}
	if err := verifyIndex(p.sigIndex, requiredSignatureTags); err != nil {
		return err
	}
	if err := verifyIndex(p.headerIndex, requiredHeaderTags); err != nil {
		return err
	}
	if !bytes.Equal(p.sigIndex.entries[sigPayloadSize].data, p.headerIndex.entries[tagSize].data) {
		return errors.New("signature payload size does not match payload size")
	}
	return nil
}

func verifyIndex(h *index, required map[int]requiredInfo) error {
	for tag, info := range required {
		entry, ok := h.entries[tag]
		if !ok {
			return errors.Wrap(ErrMissingRequiredTag, info.description)
		}
		if err := verifyEntry(entry, info); err != nil {
			return err
		}
	}
	return nil
}

func verifyEntry(entry indexEntry, info requiredInfo) error {
	if entry.rpmtype != info.rpmType {
		return errors.Wrapf(ErrInvalidRPMTagType, "%s got: %d expected: %d", info.description, entry.rpmtype, info.rpmType)
	}
	if len(entry.data) == 1 && entry.data[0] == 0 {
		return errors.Wrapf(ErrMissingRequiredTag, "%s cannot be empty", info.description)
	}
	return nil
}
