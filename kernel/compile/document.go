package compile

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/OnslaughtSnail/bibforge/kernel/artifact"
)

// documentSource cites every entry of the staged bibliography with the
// staged style. Both are referenced by their fixed session-local names.
var documentSource = strings.Join([]string{
	`\documentclass{article}`,
	`\usepackage{cite}`,
	`\usepackage{hyperref}`,
	`\usepackage[utf8]{inputenc}`,
	`\usepackage[T1]{fontenc}`,
	`\usepackage{amsmath,amssymb,amsfonts}`,
	`\begin{document}`,
	`\cite{*}`,
	`\bibliographystyle{` + artifact.StyleBase + `}`,
	`\bibliography{` + artifact.BibliographyBase + `}`,
	`\end{document}`,
	``,
}, "\n")

const (
	typesetLogLabel = "LaTeX log"
	bibLogLabel     = "BibTeX log"
)

type logSection struct {
	label string
	stage Stage
	// pass is nil when the pass never ran.
	pass  *PassResult
	body  []byte
	found bool
}

func (s logSection) render(limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "===== %s (%s) =====\n", s.label, s.stage)
	if s.pass == nil {
		b.WriteString("pass did not run\n")
	} else {
		fmt.Fprintf(&b, "exit code: %d\n", s.pass.ExitCode)
		if s.pass.Error != "" {
			fmt.Fprintf(&b, "terminated: %s\n", s.pass.Error)
		}
	}
	if !s.found {
		b.WriteString("(log file was not produced)\n")
		return b.String()
	}
	body, dropped := tail(s.body, limit)
	if dropped > 0 {
		fmt.Fprintf(&b, "[... %d earlier bytes omitted ...]\n", dropped)
	}
	b.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		b.WriteByte('\n')
	}
	return b.String()
}

func renderDiagnostic(limit int, sections ...logSection) string {
	parts := make([]string, 0, len(sections))
	for _, section := range sections {
		parts = append(parts, section.render(limit))
	}
	return strings.Join(parts, "\n")
}

// tail keeps at most limit trailing bytes of data without splitting a
// UTF-8 sequence. A limit <= 0 keeps everything.
func tail(data []byte, limit int) ([]byte, int) {
	if limit <= 0 || len(data) <= limit {
		return data, 0
	}
	start := len(data) - limit
	for start < len(data) && !utf8.RuneStart(data[start]) {
		start++
	}
	return data[start:], start
}
