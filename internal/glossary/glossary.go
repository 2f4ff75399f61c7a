// Package glossary searches the backend's variable glossary.
package glossary

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	ceasdk "ceatool/sdk/go"
)

// DefaultDocsURL is the root of the published documentation.
const DefaultDocsURL = "https://city-energy-analyst.readthedocs.io/en/latest/"

// Source fetches the glossary.
type Source interface {
	Glossary(ctx context.Context) ([]ceasdk.GlossaryCategory, error)
}

// Match is one category with the variables that matched a query.
type Match struct {
	Script    string                    `json:"script"`
	Variables []ceasdk.GlossaryVariable `json:"variables"`
}

// Search returns, per category, the variables whose name contains query,
// ignoring case. A blank query matches nothing and categories without a
// match are dropped.
func Search(categories []ceasdk.GlossaryCategory, query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []Match
	for _, c := range categories {
		var hits []ceasdk.GlossaryVariable
		for _, v := range c.Variables {
			if strings.Contains(strings.ToLower(v.Variable), q) {
				hits = append(hits, v)
			}
		}
		if len(hits) > 0 {
			out = append(out, Match{Script: c.Script, Variables: hits})
		}
	}
	return out
}

// Column is the glossary entry for one table column header.
type Column struct {
	Script string `json:"script"`
	ceasdk.GlossaryVariable
}

// Columns looks up glossary entries for table column headers, skipping
// columns the glossary does not know. The first category naming a
// variable wins.
func Columns(categories []ceasdk.GlossaryCategory, headers []string) []Column {
	index := make(map[string]Column)
	for _, c := range categories {
		for _, v := range c.Variables {
			if _, seen := index[v.Variable]; !seen {
				index[v.Variable] = Column{Script: c.Script, GlossaryVariable: v}
			}
		}
	}
	var out []Column
	for _, h := range headers {
		if col, ok := index[strings.TrimSpace(h)]; ok {
			out = append(out, col)
		}
	}
	return out
}

// DocURL links a variable to its locator method's documentation. Variables
// of the "input" category live on the input methods page, everything else
// on the output one.
func DocURL(docsRoot, script string, v ceasdk.GlossaryVariable) string {
	if docsRoot == "" {
		docsRoot = DefaultDocsURL
	}
	if !strings.HasSuffix(docsRoot, "/") {
		docsRoot += "/"
	}
	page := "output"
	if script == "input" {
		page = "input"
	}
	anchor := strings.ReplaceAll(v.LocatorMethod, "_", "-")
	return fmt.Sprintf("%s%s_methods.html?highlight=%s#%s", docsRoot, page, url.QueryEscape(v.Variable), anchor)
}
