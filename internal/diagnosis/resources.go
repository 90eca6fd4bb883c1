package diagnosis

import (
	"strings"

	"golang.org/x/net/html"
)

// PageResources lists the external resources a page pulls in. A freshly
// added third-party script is a common source of injected overlays.
type PageResources struct {
	Scripts     []string
	Stylesheets []string
	// InlineScripts counts script elements without a src.
	InlineScripts int
}

// Resources walks the snapshot and collects script and stylesheet URLs in
// document order. Unparseable input yields an empty result.
func Resources(snapshot string) PageResources {
	var res PageResources
	doc, err := html.Parse(strings.NewReader(snapshot))
	if err != nil {
		return res
	}
	seen := map[string]bool{}
	collectResources(doc, &res, seen)
	return res
}

func collectResources(node *html.Node, res *PageResources, seen map[string]bool) {
	if node.Type == html.ElementNode {
		switch node.Data {
		case "script":
			if src := attr(node, "src"); src != "" {
				if !seen[src] {
					seen[src] = true
					res.Scripts = append(res.Scripts, src)
				}
			} else if node.FirstChild != nil && node.FirstChild.Type == html.TextNode {
				res.InlineScripts++
			}
		case "link":
			href := attr(node, "href")
			if href != "" && strings.EqualFold(attr(node, "rel"), "stylesheet") && !seen[href] {
				seen[href] = true
				res.Stylesheets = append(res.Stylesheets, href)
			}
		}
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		collectResources(c, res, seen)
	}
}

func attr(node *html.Node, key string) string {
	for _, a := range node.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
