// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

package verifier

const (
	defaultRekorURL = "https://rekor.sigstore.dev"
)

type Options struct {
	RekorURL string
}

func DefaultOptions() *Options {
	return &Options{
		RekorURL: defaultRekorURL,
	}
}

type Option func(o *Options)

func WithRekorURL(rekorURL string) Option {
	return func(o *Options) {
		o.RekorURL = rekorURL
	}
}
