// Package delta stores files as binary patches against a predecessor's version
// and rebuilds them on demand.
//
// A patch is a zstd frame compressed with the base content as a raw dictionary,
// behind a short header naming the hash of that base.
// Applying a patch to anything other than its base is detected and refused.
package delta

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

var patchMagic = []byte("TDP1")

// Zero matches zstd --patch-from.
const dictID = 0

// The initial repeat offsets of a raw dictionary reach 8 bytes back,
// so short bases are padded to keep them inside the history.
var dictPad = make([]byte, 8)

func dictionary(base []byte) []byte {
	d := make([]byte, 0, len(dictPad)+len(base))
	d = append(d, dictPad...)
	return append(d, base...)
}

// Diff produces a patch that turns base into target.
// BaseHash is recorded in the patch for Apply to check.
func Diff(base, target []byte, baseHash string) ([]byte, error) {
	if len(baseHash) > 255 {
		return nil, errors.Errorf("base hash too long (%d bytes)", len(baseHash))
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderDictRaw(dictID, dictionary(base)),
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating patch encoder")
	}
	defer enc.Close()

	out := make([]byte, 0, len(patchMagic)+1+len(baseHash)+len(target)/4)
	out = append(out, patchMagic...)
	out = append(out, byte(len(baseHash)))
	out = append(out, baseHash...)
	return enc.EncodeAll(target, out), nil
}

// ParsePatch splits a patch into the hash of its base and its zstd frame.
func ParsePatch(patch []byte) (baseHash string, frame []byte, err error) {
	if len(patch) < len(patchMagic)+1 || !bytes.Equal(patch[:len(patchMagic)], patchMagic) {
		return "", nil, errors.New("not a patch")
	}
	n := int(patch[len(patchMagic)])
	start := len(patchMagic) + 1
	if len(patch) < start+n {
		return "", nil, errors.New("truncated patch header")
	}
	return string(patch[start : start+n]), patch[start+n:], nil
}

// Apply applies patch to base.
// If baseHash is not empty it must match the hash recorded in the patch.
func Apply(base []byte, baseHash string, patch []byte) ([]byte, error) {
	recorded, frame, err := ParsePatch(patch)
	if err != nil {
		return nil, err
	}
	if baseHash != "" && recorded != baseHash {
		return nil, errors.Errorf("patch expects base %s, got %s", recorded, baseHash)
	}

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderDictRaw(dictID, dictionary(base)),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating patch decoder")
	}
	defer dec.Close()

	out, err := dec.DecodeAll(frame, nil)
	return out, errors.Wrap(err, "applying patch")
}
