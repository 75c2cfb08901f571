package pipeline

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// RenderDescriptions formats descriptions as markdown sections separated by
// horizontal rules.
func RenderDescriptions(descs []models.ImageDescription) string {
	var b strings.Builder
	for i, d := range descs {
		fmt.Fprintf(&b, "### Page %d, image %d\n", d.Page, d.Index)
		fmt.Fprintf(&b, "Summary: %s\n\n", d.Summary)
		fmt.Fprintf(&b, "Detail: %s\n", d.Detail)
		if i != len(descs)-1 {
			b.WriteString("\n---\n\n")
		}
	}
	return b.String()
}

// RenderCombined places the extracted document text above the image descriptions.
func RenderCombined(text string, descs []models.ImageDescription) string {
	var b strings.Builder
	b.WriteString("# Document text and image descriptions\n\n")
	b.WriteString("## 1. Document text\n\n")
	b.WriteString(text)
	b.WriteString("\n\n## 2. Image descriptions\n\n")
	if len(descs) == 0 {
		b.WriteString("No images were extracted, or describing them failed.\n")
	} else {
		b.WriteString(RenderDescriptions(descs))
	}
	return b.String()
}
