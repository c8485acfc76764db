// Package channel defines the outbound activity schema and its rendering.
//
// Convert maps backend activities to OutboundActivity values one-to-one,
// preserving order. It is pure and stateless: filtering happens in the relay
// core before conversion. Markdown replies additionally carry an HTML
// rendering (goldmark) for channels with rich display; PlainText produces
// the plain fallback body such channels send alongside the HTML.
package channel
