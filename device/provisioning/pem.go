// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package provisioning

import (
	"strings"

	"github.com/relabs-tech/pam8053/core/errs"
)

// boundaryDashes is the number of dashes in a PEM header or footer line
const boundaryDashes = 10

// DecodeSingleLinePEM rebuilds a PEM block that was entered on a single console line.
//
// The header ends with the 10th dash, the footer starts at the first dash after the header.
// Spaces in between separate the lines of the base64 body.
func DecodeSingleLinePEM(line string) (string, error) {
	line = strings.TrimSpace(line)

	headerEnd := -1
	dashes := 0
	for i := 0; i < len(line); i++ {
		if line[i] == '-' {
			dashes++
			if dashes == boundaryDashes {
				headerEnd = i + 1
				break
			}
		}
	}
	if headerEnd < 0 {
		return "", errs.Wrapf(errs.ErrInvalidInput, "PEM header incomplete")
	}

	footerStart := strings.IndexByte(line[headerEnd:], '-')
	if footerStart < 0 {
		return "", errs.Wrapf(errs.ErrInvalidInput, "PEM footer missing")
	}
	footerStart += headerEnd
	footer := line[footerStart:]
	if strings.Count(footer, "-") != boundaryDashes {
		return "", errs.Wrapf(errs.ErrInvalidInput, "PEM footer incomplete")
	}

	body := strings.Fields(line[headerEnd:footerStart])
	if len(body) == 0 {
		return "", errs.Wrapf(errs.ErrInvalidInput, "PEM body empty")
	}

	var sb strings.Builder
	sb.Grow(len(line) + len(body) + 2)
	sb.WriteString(line[:headerEnd])
	sb.WriteByte('\n')
	for _, l := range body {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.WriteString(footer)
	sb.WriteByte('\n')
	return sb.String(), nil
}

// EncodeSingleLinePEM joins the lines of a PEM block with spaces so that it can be
// entered on the provisioning console.
func EncodeSingleLinePEM(block string) string {
	return strings.Join(strings.Fields(block), " ")
}
