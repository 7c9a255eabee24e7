package companyid

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultURL is the Bluetooth SIG assigned numbers document listing company identifiers.
const DefaultURL = "https://bitbucket.org/bluetooth-SIG/public/raw/" +
	"main/assigned_numbers/company_identifiers/company_identifiers.yaml"

// upper bound for the dataset body, the real document is a few hundred KiB.
const maxDatasetSize = 16 << 20

type datasetEntry struct {
	Value int64  `yaml:"value"`
	Name  string `yaml:"name"`
}

type dataset struct {
	CompanyIdentifiers []datasetEntry `yaml:"company_identifiers"`
}

// sanitize drops non-printable control characters the upstream document sometimes
// carries, keeping tabs and line breaks so the YAML structure survives.
func sanitize(b []byte) []byte {
	out := make([]byte, 0, len(b))

	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)

		switch {
		case r == '\t' || r == '\n' || r == '\r':
			out = append(out, b[:size]...)
		case r == utf8.RuneError && size <= 1:
			// invalid encoding, skip the byte
		case unicode.Is(unicode.C, r):
		case !unicode.In(r, unicode.L, unicode.M, unicode.N, unicode.P, unicode.S, unicode.Z):
			// unassigned code point
		default:
			out = append(out, b[:size]...)
		}

		b = b[size:]
	}

	return out
}

func parseDataset(b []byte) (map[string]string, error) {
	var doc dataset

	if err := yaml.Unmarshal(sanitize(b), &doc); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "cannot parse dataset: %v", err)
	}

	if len(doc.CompanyIdentifiers) == 0 {
		return nil, errors.Wrap(ErrMalformed, "dataset has no company_identifiers")
	}

	entries := make(map[string]string, len(doc.CompanyIdentifiers))

	for _, e := range doc.CompanyIdentifiers {
		if e.Value < 0 || e.Value > 0xffff {
			log.Warn().
				Int64("CompanyID", e.Value).
				Str("Name", e.Name).
				Msg("companyid: skipping out of range identifier")
			continue
		}

		entries[strconv.FormatInt(e.Value, 10)] = strings.TrimSpace(e.Name)
	}

	return entries, nil
}

func (r *Resolver) fetch(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.opts.URL, nil)

	if err != nil {
		return nil, errors.Wrapf(ErrFetch, "cannot build request: %v", err)
	}

	log.Debug().Str("URL", r.opts.URL).Msg("companyid: fetching company identifiers")

	res, err := r.opts.HTTPClient.Do(req)

	if err != nil {
		fetchesCounter.WithLabelValues("error").Inc()
		return nil, errors.Wrapf(ErrFetch, "GET %s: %v", r.opts.URL, err)
	}

	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		fetchesCounter.WithLabelValues("error").Inc()
		return nil, errors.Wrapf(ErrFetch, "GET %s: unexpected status %s", r.opts.URL, res.Status)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxDatasetSize))

	if err != nil {
		fetchesCounter.WithLabelValues("error").Inc()
		return nil, errors.Wrapf(ErrFetch, "reading body: %v", err)
	}

	entries, err := parseDataset(body)

	if err != nil {
		fetchesCounter.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("GET %s: %w", r.opts.URL, err)
	}

	fetchesCounter.WithLabelValues("success").Inc()

	log.Info().
		Int("Entries", len(entries)).
		Msg("companyid: fetched company identifiers")

	return entries, nil
}
