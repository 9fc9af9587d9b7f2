package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/openmined/treemirror/internal/mirror"
	"github.com/openmined/treemirror/internal/znode"
)

const maxPreview = 64

type eventView struct {
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	Path     string    `json:"path"`
	Version  *int32    `json:"version,omitempty"`
	Size     *int32    `json:"size,omitempty"`
	Data     string    `json:"data,omitempty"`
	Children []string  `json:"children,omitempty"`
}

func newEventView(ev mirror.ChangeEvent, now time.Time) eventView {
	view := eventView{Time: now, Kind: ev.Kind.String(), Path: ev.Path.String()}
	if ev.Snapshot != nil {
		view.Version = &ev.Snapshot.Stat.Version
		view.Size = &ev.Snapshot.Stat.DataLength
		view.Data = string(ev.Snapshot.Data)
	}
	if ev.Kind == mirror.InitialSyncComplete {
		view.Children = ev.Initial.Names()
		if view.Children == nil {
			view.Children = []string{}
		}
	}
	return view
}

// printer writes change events as colored text lines or as JSON lines.
type printer struct {
	out  io.Writer
	json bool
	now  func() time.Time
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, json: asJSON, now: time.Now}
}

func (p *printer) event(ev mirror.ChangeEvent) error {
	view := newEventView(ev, p.now())
	if p.json {
		data, err := json.Marshal(view)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.out, "%s\n", data)
		return err
	}

	var b strings.Builder
	b.WriteString(faint(view.Time.Format("15:04:05.000")))
	b.WriteString(" ")
	b.WriteString(kindLabel(ev.Kind))
	b.WriteString(" ")
	b.WriteString(view.Path)
	if ev.Snapshot != nil {
		fmt.Fprintf(&b, " v%d %s %s", ev.Snapshot.Version(), humanize.Bytes(uint64(len(ev.Snapshot.Data))), preview(ev.Snapshot.Data))
	}
	if ev.Kind == mirror.InitialSyncComplete {
		fmt.Fprintf(&b, " %d children %s", len(view.Children), strings.Join(view.Children, ","))
	}
	_, err := fmt.Fprintln(p.out, b.String())
	return err
}

func (p *printer) snapshot(snap *znode.Snapshot) error {
	if p.json {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.out, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintf(p.out, "%s v%d %s modified %s\n%s\n",
		cyan(snap.Path), snap.Version(), humanize.Bytes(uint64(len(snap.Data))),
		humanize.Time(snap.ModTime()), preview(snap.Data))
	return err
}

func kindLabel(k mirror.EventKind) string {
	label := fmt.Sprintf("%-11s", k)
	switch k {
	case mirror.Added:
		return green(label)
	case mirror.Updated:
		return cyan(label)
	case mirror.Removed:
		return red(label)
	default:
		return yellow(label)
	}
}

// preview quotes printable data, shortened; binary data is only sized.
func preview(data []byte) string {
	if len(data) == 0 {
		return faint("(empty)")
	}
	if !utf8.Valid(data) {
		return faint("(binary)")
	}
	s := string(data)
	if utf8.RuneCountInString(s) > maxPreview {
		s = string([]rune(s)[:maxPreview]) + "..."
	}
	return strconv.Quote(s)
}
