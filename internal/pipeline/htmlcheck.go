package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/neuraworks/neurareport/internal/render"
)

// domProfile captures the structural fingerprint the corrections stage must
// preserve: repeat markers, tbody count, per-tbody row prototypes, and the
// data-region attribute set.
type domProfile struct {
	RepeatMarkers int
	TbodyCount    int
	RowsPerTbody  []int
	DataRegions   []string
}

func profileDOM(doc string) (*domProfile, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	p := &domProfile{
		RepeatMarkers: render.CountRepeatRegions(doc),
	}
	regionSet := map[string]bool{}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Data == "tbody" {
				p.TbodyCount++
				p.RowsPerTbody = append(p.RowsPerTbody, countChildRows(n))
			}
			for _, attr := range n.Attr {
				if attr.Key == "data-region" {
					regionSet[attr.Val] = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	for r := range regionSet {
		p.DataRegions = append(p.DataRegions, r)
	}
	sort.Strings(p.DataRegions)
	return p, nil
}

func countChildRows(tbody *html.Node) int {
	count := 0
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			count++
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for c := tbody.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return count
}

// compareDOMProfiles returns the first invariant violation between the
// pre- and post-correction documents, or "" when they match.
func compareDOMProfiles(before, after *domProfile) string {
	if before.RepeatMarkers != after.RepeatMarkers {
		return fmt.Sprintf("repeat-marker count changed from %d to %d", before.RepeatMarkers, after.RepeatMarkers)
	}
	if before.TbodyCount != after.TbodyCount {
		return fmt.Sprintf("tbody count changed from %d to %d", before.TbodyCount, after.TbodyCount)
	}
	for i := range before.RowsPerTbody {
		if i < len(after.RowsPerTbody) && before.RowsPerTbody[i] != after.RowsPerTbody[i] {
			return fmt.Sprintf("tbody %d row-prototype count changed from %d to %d", i, before.RowsPerTbody[i], after.RowsPerTbody[i])
		}
	}
	if strings.Join(before.DataRegions, ",") != strings.Join(after.DataRegions, ",") {
		return fmt.Sprintf("data-region set changed from %v to %v", before.DataRegions, after.DataRegions)
	}
	return ""
}

// findSampleLeak reports a sample literal that appears verbatim in the
// corrected document where a placeholder should remain. Short samples are
// skipped to avoid false positives on incidental substrings.
func findSampleLeak(doc string, samples map[string]string, stillTokens []string) string {
	tokenSet := map[string]bool{}
	for _, t := range stillTokens {
		tokenSet[t] = true
	}
	for token, sample := range samples {
		if !tokenSet[token] {
			continue
		}
		s := strings.TrimSpace(sample)
		if len(s) < 4 || s == "NOT_VISIBLE" || s == "UNREADABLE" {
			continue
		}
		if strings.Contains(doc, s) {
			return fmt.Sprintf("sample value %q for token %q appears as a literal", s, token)
		}
	}
	return ""
}
