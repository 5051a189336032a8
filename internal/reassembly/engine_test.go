package reassembly_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/relay-chat/internal/reassembly"
	"github.com/omochice/relay-chat/pkg/protocol"
)

const cid = "c1-00000000-0000-0000-0000-000000000"

func header(length int64) *protocol.HeaderFrame {
	return &protocol.HeaderFrame{ClientID: cid, Type: protocol.MessageTypeImage, Length: length}
}

func content(start int64, payload []byte) *protocol.ContentFrame {
	return &protocol.ContentFrame{ClientID: cid, Start: start, Payload: payload}
}

func chunk(payload []byte, size int) []*protocol.ContentFrame {
	var frames []*protocol.ContentFrame
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, content(int64(off), payload[off:end]))
	}
	return frames
}

func TestBuild_ReorderingInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, 1000)
	rng.Read(payload)

	for trial := 0; trial < 20; trial++ {
		t.Run(fmt.Sprintf("trial-%d", trial), func(t *testing.T) {
			e := reassembly.New()
			frames := chunk(payload, 1+rng.Intn(97))
			rng.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })

			require.NoError(t, e.Append(header(int64(len(payload)))))
			for _, f := range frames {
				require.NoError(t, e.Append(f))
			}
			require.NoError(t, e.Append(&protocol.TailFrame{ClientID: cid}))

			msg, err := e.Build(cid)
			require.NoError(t, err)
			assert.Equal(t, payload, msg.Bytes())

			streamed, err := io.ReadAll(msg.Reader())
			require.NoError(t, err)
			assert.Equal(t, payload, streamed)
			assert.Equal(t, 0, e.Len(), "built transfer must be removed")
		})
	}
}

func TestBuild_MissingHeader(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(content(0, []byte("abc"))))
	require.NoError(t, e.Append(&protocol.TailFrame{ClientID: cid}))

	_, err := e.Build(cid)
	var mh *reassembly.MissingHeaderError
	require.True(t, errors.As(err, &mh), "got %v", err)
	assert.Equal(t, cid, mh.ClientID)

	_, err = e.Build("never-seen")
	require.True(t, errors.As(err, &mh), "unknown transfer should report missing header, got %v", err)
}

func TestBuild_FirstGapReported(t *testing.T) {
	tests := []struct {
		name       string
		length     int64
		frames     []*protocol.ContentFrame
		wantFrom   int64
		wantLength int64
	}{
		{
			name:   "short tail frames",
			length: 10,
			frames: []*protocol.ContentFrame{
				content(0, []byte("aaa")),
				content(3, []byte("bbb")),
				content(6, []byte("cc")),
			},
			wantFrom:   8,
			wantLength: 2,
		},
		{
			name:   "hole in the middle",
			length: 12,
			frames: []*protocol.ContentFrame{
				content(8, []byte("dddd")),
				content(0, []byte("aaaa")),
			},
			wantFrom:   4,
			wantLength: 4,
		},
		{
			name:   "first frame missing",
			length: 6,
			frames: []*protocol.ContentFrame{
				content(3, []byte("bbb")),
			},
			wantFrom:   0,
			wantLength: 3,
		},
		{
			name:       "no content at all",
			length:     5,
			wantFrom:   0,
			wantLength: 5,
		},
		{
			name:   "two gaps reports the lowest",
			length: 20,
			frames: []*protocol.ContentFrame{
				content(0, []byte("aa")),
				content(5, []byte("bb")),
				content(15, []byte("cc")),
			},
			wantFrom:   2,
			wantLength: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := reassembly.New()
			require.NoError(t, e.Append(header(tt.length)))
			for _, f := range tt.frames {
				require.NoError(t, e.Append(f))
			}

			_, err := e.Build(cid)
			var mr *reassembly.MissingRangeError
			require.True(t, errors.As(err, &mr), "got %v", err)
			assert.Equal(t, tt.wantFrom, mr.From)
			assert.Equal(t, tt.wantLength, mr.Length)
			assert.Equal(t, 1, e.Len(), "failed build keeps the transfer")
		})
	}
}

func TestBuild_GapFilledLater(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(6)))
	require.NoError(t, e.Append(content(3, []byte("def"))))

	_, err := e.Build(cid)
	require.Error(t, err)

	require.NoError(t, e.Append(content(0, []byte("abc"))))
	msg, err := e.Build(cid)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(msg.Bytes()))
}

func TestBuild_TailIsAdvisory(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(4)))
	require.NoError(t, e.Append(content(0, []byte("data"))))

	msg, err := e.Build(cid)
	require.NoError(t, err)
	assert.Equal(t, "data", string(msg.Bytes()))
}

func TestBuild_DuplicateOffsetsKeepFirst(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(6)))
	require.NoError(t, e.Append(content(0, []byte("abc"))))
	require.NoError(t, e.Append(content(0, []byte("XYZ"))))
	require.NoError(t, e.Append(content(3, []byte("def"))))

	msg, err := e.Build(cid)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(msg.Bytes()))
}

func TestBuild_OverlapLaterFrameWins(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(8)))
	require.NoError(t, e.Append(content(0, []byte("aaaaa"))))
	require.NoError(t, e.Append(content(3, []byte("BBBBB"))))

	msg, err := e.Build(cid)
	require.NoError(t, err)
	assert.Equal(t, "aaaBBBBB", string(msg.Bytes()))

	sum := sha256.Sum256([]byte("aaaBBBBB"))
	assert.Equal(t, hex.EncodeToString(sum[:]), msg.Hash(), "hash must follow the truncated layout")
}

func TestBuild_ContainedOverlapKeepsOuterBytes(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(10)))
	require.NoError(t, e.Append(content(0, []byte("0123456789"))))
	require.NoError(t, e.Append(content(2, []byte("xy"))))

	msg, err := e.Build(cid)
	require.NoError(t, err)
	assert.Equal(t, "01xy456789", string(msg.Bytes()))
	assert.Len(t, msg.Segments, 3)
}

func TestBuild_OverlapAcrossSplitSegments(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(10)))
	require.NoError(t, e.Append(content(0, []byte("0123456789"))))
	require.NoError(t, e.Append(content(2, []byte("xy"))))
	require.NoError(t, e.Append(content(3, []byte("QRS"))))

	msg, err := e.Build(cid)
	require.NoError(t, err)
	assert.Equal(t, "01xQRS6789", string(msg.Bytes()))

	sum := sha256.Sum256([]byte("01xQRS6789"))
	assert.Equal(t, hex.EncodeToString(sum[:]), msg.Hash())
}

func TestBuild_TrimsBytesPastDeclaredLength(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(4)))
	require.NoError(t, e.Append(content(0, []byte("abcdef"))))
	require.NoError(t, e.Append(content(6, []byte("gh"))))

	msg, err := e.Build(cid)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(msg.Bytes()))
	assert.Len(t, msg.Segments, 1)
}

func TestBuild_HeaderOverwrite(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(100)))
	require.NoError(t, e.Append(&protocol.HeaderFrame{
		ClientID: cid, Type: protocol.MessageTypeFile, Length: 3, Extension: "a.txt", HasExtension: true,
	}))
	require.NoError(t, e.Append(content(0, []byte("abc"))))

	msg, err := e.Build(cid)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeFile, msg.Type)
	got, err := msg.Content("h")
	require.NoError(t, err)
	assert.Equal(t, "h|a.txt", got)
}

func TestAppend_TransferTooLarge(t *testing.T) {
	e := reassembly.New(reassembly.WithMaxTransferSize(10))
	err := e.Append(header(11))
	assert.ErrorIs(t, err, reassembly.ErrTransferTooLarge)
	assert.Equal(t, 0, e.Len())
}

func TestEvictStale(t *testing.T) {
	now := time.Unix(1000, 0)
	e := reassembly.New(reassembly.WithClock(func() time.Time { return now }))

	require.NoError(t, e.Append(&protocol.HeaderFrame{ClientID: "old", Length: 1}))
	now = now.Add(5 * time.Minute)
	require.NoError(t, e.Append(&protocol.HeaderFrame{ClientID: "fresh", Length: 1}))
	now = now.Add(time.Minute)

	evicted := e.EvictStale(3 * time.Minute)
	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].ClientID)
	assert.True(t, evicted[0].HasHeader)

	_, ok := e.Lookup("old")
	assert.False(t, ok)
	_, ok = e.Lookup("fresh")
	assert.True(t, ok)
}

func TestAppend_RefreshesLastModified(t *testing.T) {
	now := time.Unix(1000, 0)
	e := reassembly.New(reassembly.WithClock(func() time.Time { return now }))

	require.NoError(t, e.Append(header(4)))
	now = now.Add(10 * time.Minute)
	require.NoError(t, e.Append(content(0, []byte("ab"))))
	now = now.Add(time.Minute)

	assert.Empty(t, e.EvictStale(5*time.Minute))
	p, ok := e.Lookup(cid)
	require.True(t, ok)
	assert.Equal(t, 1, p.Frames)
}

func TestAppend_ConcurrentClientIDs(t *testing.T) {
	e := reassembly.New()
	payload := []byte(strings.Repeat("0123456789", 50))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("%036d", i)
			_ = e.Append(&protocol.HeaderFrame{ClientID: id, Type: protocol.MessageTypeVoice, Length: int64(len(payload))})
			for off := 0; off < len(payload); off += 10 {
				_ = e.Append(&protocol.ContentFrame{ClientID: id, Start: int64(off), Payload: payload[off : off+10]})
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		msg, err := e.Build(fmt.Sprintf("%036d", i))
		require.NoError(t, err)
		assert.Equal(t, payload, msg.Bytes())
	}
	assert.Equal(t, 0, e.Len())
}

func TestAppend_ConcurrentSameClientID(t *testing.T) {
	e := reassembly.New()
	require.NoError(t, e.Append(header(1000)))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = e.Append(content(int64(i*10), make([]byte, 10)))
		}(i)
	}
	wg.Wait()

	p, ok := e.Lookup(cid)
	require.True(t, ok)
	assert.Equal(t, 100, p.Frames, "no append may be lost")

	_, err := e.Build(cid)
	require.NoError(t, err)
}
