package browser

import (
	"net/url"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/network"

	"github.com/xkilldash9x/domscout/internal/element"
)

// collectorJS gathers everything a snapshot needs in one evaluation. Locators
// are CSS paths anchored on the nearest ancestor with an id.
const collectorJS = `(() => {
  const locate = (el) => {
    const parts = [];
    while (el && el.nodeType === 1 && el !== document.documentElement) {
      if (el.id) { parts.unshift('#' + CSS.escape(el.id)); break; }
      let i = 1, sib = el;
      while ((sib = sib.previousElementSibling)) { if (sib.tagName === el.tagName) i++; }
      parts.unshift(el.tagName.toLowerCase() + ':nth-of-type(' + i + ')');
      el = el.parentElement;
    }
    return parts.join(' > ');
  };
  const out = { url: location.href, title: document.title, links: [], forms: [], events: [] };
  for (const a of document.querySelectorAll('a[href]')) {
    if (a.href.startsWith('http')) out.links.push(a.href);
  }
  for (const f of document.forms) {
    const inputs = {};
    for (const i of f.elements) { if (i.name) inputs[i.name] = i.value || ''; }
    out.forms.push({ action: f.action || location.href, method: f.method || 'get', inputs });
  }
  const evs = ['click', 'dblclick', 'change', 'input', 'submit', 'focus', 'blur',
               'mouseover', 'mouseenter', 'keydown', 'keyup'];
  for (const el of document.querySelectorAll('*')) {
    for (const ev of evs) {
      if (el.hasAttribute('on' + ev)) out.events.push({ locator: locate(el), event: ev });
    }
    if (el.tagName === 'BUTTON' && !el.hasAttribute('onclick')) {
      out.events.push({ locator: locate(el), event: 'click' });
    }
  }
  return out;
})()`

// triggerJS dispatches a synthetic event; %q placeholders are filled with
// the locator and event name.
const triggerJS = `(() => {
  const el = document.querySelector(%q);
  if (!el) return false;
  const ev = %q;
  if (ev === 'click' && typeof el.click === 'function') { el.click(); return true; }
  el.dispatchEvent(new Event(ev, { bubbles: true, cancelable: true }));
  return true;
})()`

type collectedForm struct {
	Action string            `json:"action"`
	Method string            `json:"method"`
	Inputs map[string]string `json:"inputs"`
}

type collected struct {
	URL    string          `json:"url"`
	Title  string          `json:"title"`
	Links  []string        `json:"links"`
	Forms  []collectedForm `json:"forms"`
	Events []EventTarget   `json:"events"`
}

const (
	maxTaintSinks = 10
	excerptRadius = 40
)

// buildPage converts the collector output into a Page. Links with a query
// string become link elements; each cookie becomes its own cookie element.
func buildPage(c collected, dom string, cookies []*network.Cookie) *Page {
	p := &Page{
		URL:    c.URL,
		Title:  c.Title,
		DOM:    dom,
		Events: dedupeEvents(c.Events),
	}

	covered := make(map[string]struct{})
	add := func(el *element.Element) {
		if el == nil {
			return
		}
		if _, ok := covered[el.CoverageID()]; ok {
			return
		}
		covered[el.CoverageID()] = struct{}{}
		p.Elements = append(p.Elements, el)
	}

	seen := make(map[string]struct{})
	for _, l := range c.Links {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		p.Links = append(p.Links, l)
		add(linkElement(l))
	}
	add(linkElement(c.URL))

	for _, f := range c.Forms {
		if len(f.Inputs) == 0 {
			continue
		}
		add(element.New(element.Form, f.Action, f.Method, f.Inputs))
	}

	for _, ck := range cookies {
		add(element.New(element.Cookie, c.URL, "GET", map[string]string{ck.Name: ck.Value}))
	}
	return p
}

func linkElement(raw string) *element.Element {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return nil
	}
	inputs := make(map[string]string)
	for k, v := range u.Query() {
		if len(v) > 0 {
			inputs[k] = v[0]
		}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return element.New(element.Link, u.String(), "GET", inputs)
}

func dedupeEvents(in []EventTarget) []EventTarget {
	seen := make(map[EventTarget]struct{}, len(in))
	out := make([]EventTarget, 0, len(in))
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Locator == out[j].Locator {
			return out[i].Event < out[j].Event
		}
		return out[i].Locator < out[j].Locator
	})
	return out
}

// taintExcerpts returns a short window of DOM around each occurrence of taint.
func taintExcerpts(dom, taint string) []string {
	if taint == "" {
		return nil
	}
	var out []string
	for offset := 0; len(out) < maxTaintSinks; {
		i := strings.Index(dom[offset:], taint)
		if i < 0 {
			break
		}
		at := offset + i
		start := max(0, at-excerptRadius)
		end := min(len(dom), at+len(taint)+excerptRadius)
		out = append(out, dom[start:end])
		offset = at + len(taint)
	}
	return out
}
