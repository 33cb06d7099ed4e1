package browser

import (
	"strings"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/domscout/internal/element"
)

func TestBuildPage(t *testing.T) {
	col := collected{
		URL:   "http://example.test/app?view=list",
		Title: "App",
		Links: []string{
			"http://example.test/item?id=1",
			"http://example.test/item?id=1",
			"http://example.test/about",
			"http://example.test/app?view=list",
		},
		Forms: []collectedForm{
			{Action: "http://example.test/search", Method: "post", Inputs: map[string]string{"q": ""}},
			{Action: "http://example.test/empty", Method: "get"},
		},
		Events: []EventTarget{
			{Locator: "#b", Event: "click"},
			{Locator: "#a", Event: "mouseover"},
			{Locator: "#b", Event: "click"},
		},
	}
	cookies := []*network.Cookie{{Name: "session", Value: "abc"}}

	p := buildPage(col, "<html></html>", cookies)

	assert.Equal(t, "App", p.Title)
	assert.Equal(t, []string{
		"http://example.test/item?id=1",
		"http://example.test/about",
		"http://example.test/app?view=list",
	}, p.Links)
	assert.Equal(t, []EventTarget{{Locator: "#a", Event: "mouseover"}, {Locator: "#b", Event: "click"}}, p.Events)

	byType := map[element.Type][]*element.Element{}
	for _, el := range p.Elements {
		byType[el.Type] = append(byType[el.Type], el)
	}
	require.Len(t, byType[element.Link], 2, "self link must not be counted twice")
	assert.Equal(t, "http://example.test/item", byType[element.Link][0].Action)
	assert.Equal(t, map[string]string{"id": "1"}, byType[element.Link][0].Inputs)

	require.Len(t, byType[element.Form], 1, "forms without inputs are skipped")
	assert.Equal(t, "POST", byType[element.Form][0].Method)

	require.Len(t, byType[element.Cookie], 1)
	assert.Equal(t, map[string]string{"session": "abc"}, byType[element.Cookie][0].Inputs)
}

func TestTaintExcerpts(t *testing.T) {
	assert.Nil(t, taintExcerpts("<p>x</p>", ""))
	assert.Empty(t, taintExcerpts("<p>x</p>", "TAINT"))

	dom := "<div>" + strings.Repeat("a", 100) + "TAINT" + strings.Repeat("b", 100) + "TAINT</div>"
	got := taintExcerpts(dom, "TAINT")
	require.Len(t, got, 2)
	assert.Equal(t, strings.Repeat("a", excerptRadius)+"TAINT"+strings.Repeat("b", excerptRadius), got[0])
	assert.True(t, strings.HasSuffix(got[1], "TAINT</div>"))

	many := strings.Repeat("TAINT ", maxTaintSinks*2)
	assert.Len(t, taintExcerpts(many, "TAINT"), maxTaintSinks)
}

func TestPageDup(t *testing.T) {
	p := &Page{URL: "http://example.test/", Links: []string{"a"}}
	c := p.Dup()
	c.Links[0] = "b"
	c.TaintSinks = append(c.TaintSinks, "x")

	assert.Equal(t, []string{"a"}, p.Links)
	assert.Empty(t, p.TaintSinks)
}
