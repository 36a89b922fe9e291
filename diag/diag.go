// Package diag writes support bundles: gzip-compressed cpio archives holding
// an adapter snapshot in machine- and human-readable form, plus a checksum
// manifest.
package diag

import (
	"bytes"
	"compress/gzip"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/c35s/aac/comm"
	"github.com/cavaliergopher/cpio"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/blake2b"
)

// ManifestName is the name of the checksum manifest in a bundle.
const ManifestName = "MANIFEST"

var ErrChecksum = errors.New("diag: checksum mismatch")

// File is an extra file to include in a bundle.
type File struct {
	Name string
	Data []byte
}

// WriteBundle writes a bundle describing s to w. The extra files are added
// after the generated ones.
func WriteBundle(w io.Writer, s comm.Snapshot, extra ...File) error {
	js, err := sonnet.Marshal(s)
	if err != nil {
		return fmt.Errorf("diag: marshal snapshot: %w", err)
	}

	files := append([]File{
		{"snapshot.json", js},
		{"stats.txt", formatStats(s)},
		{"queues.txt", formatQueues(s)},
	}, extra...)

	var manifest bytes.Buffer
	for _, f := range files {
		sum := blake2b.Sum256(f.Data)
		fmt.Fprintf(&manifest, "%s  %s\n", hex.EncodeToString(sum[:]), f.Name)
	}

	files = append(files, File{ManifestName, manifest.Bytes()})

	zw := gzip.NewWriter(w)
	cw := cpio.NewWriter(zw)

	for _, f := range files {
		err := cw.WriteHeader(&cpio.Header{
			Name:    f.Name,
			Mode:    0644,
			Size:    int64(len(f.Data)),
			ModTime: s.Time,
		})

		if err != nil {
			return fmt.Errorf("diag: %s: %w", f.Name, err)
		}

		if _, err := cw.Write(f.Data); err != nil {
			return fmt.Errorf("diag: %s: %w", f.Name, err)
		}
	}

	if err := cw.Close(); err != nil {
		return fmt.Errorf("diag: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("diag: %w", err)
	}

	return nil
}

// ReadBundle reads a bundle and verifies it against its manifest.
func ReadBundle(r io.Reader) (map[string][]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("diag: %w", err)
	}

	defer zr.Close()

	files := make(map[string][]byte)
	cr := cpio.NewReader(zr)

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("diag: %w", err)
		}

		data, err := io.ReadAll(cr)
		if err != nil {
			return nil, fmt.Errorf("diag: %s: %w", hdr.Name, err)
		}

		files[hdr.Name] = data
	}

	manifest, ok := files[ManifestName]
	if !ok {
		return nil, fmt.Errorf("diag: no %s", ManifestName)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(manifest)), "\n") {
		sum, name, ok := strings.Cut(line, "  ")
		if !ok {
			return nil, fmt.Errorf("diag: bad manifest line %q", line)
		}

		data, ok := files[name]
		if !ok {
			return nil, fmt.Errorf("diag: %s is in the manifest but not the bundle", name)
		}

		got := blake2b.Sum256(data)
		if hex.EncodeToString(got[:]) != sum {
			return nil, fmt.Errorf("%w: %s", ErrChecksum, name)
		}
	}

	return files, nil
}

// ParseSnapshot decodes the snapshot.json file of a bundle.
func ParseSnapshot(files map[string][]byte) (comm.Snapshot, error) {
	var s comm.Snapshot

	js, ok := files["snapshot.json"]
	if !ok {
		return s, errors.New("diag: no snapshot.json")
	}

	if err := sonnet.Unmarshal(js, &s); err != nil {
		return s, fmt.Errorf("diag: %w", err)
	}

	return s, nil
}

func formatStats(s comm.Snapshot) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "time %s\n", s.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	fmt.Fprintf(&b, "sent %d\n", s.Stats.Sent)
	fmt.Fprintf(&b, "completed %d\n", s.Stats.Completed)
	fmt.Fprintf(&b, "fast_responses %d\n", s.Stats.FastResponses)
	fmt.Fprintf(&b, "events %d\n", s.Stats.Events)
	fmt.Fprintf(&b, "broadcasts %d\n", s.Stats.Broadcasts)
	fmt.Fprintf(&b, "stale %d\n", s.Stats.Stale)
	fmt.Fprintf(&b, "timeouts %d\n", s.Stats.Timeouts)
	fmt.Fprintf(&b, "queue_full %d\n", s.Stats.QueueFull)
	fmt.Fprintf(&b, "throttled %d\n", s.Stats.Throttled)
	fmt.Fprintf(&b, "peak_drained %d\n", s.Stats.PeakDrained)
	fmt.Fprintf(&b, "pool segments=%d total=%d free=%d in_use=%d timed_out=%d\n",
		s.Pool.Segments, s.Pool.Total, s.Pool.Free, s.Pool.InUse, s.Pool.TimedOut)
	fmt.Fprintf(&b, "subscribers %d\n", s.Subscribers)

	classes := slices.Clone(s.Classes)
	slices.Sort(classes)
	fmt.Fprintf(&b, "classes %s\n", strings.Join(classes, ","))

	return b.Bytes()
}

func formatQueues(s comm.Snapshot) []byte {
	var b bytes.Buffer

	tw := tabwriter.NewWriter(&b, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tCAP\tPRODUCER\tCONSUMER\tLEN\tOUTSTANDING")

	for _, q := range s.Queues {
		fmt.Fprintf(tw, "%v\t%d\t%d\t%d\t%d\t%d\n", q.ID, q.Cap, q.Producer, q.Consumer, q.Len, q.Outstanding)
	}

	tw.Flush()
	return b.Bytes()
}
