// Package extraction turns stored documents into plain text for chunking.
//
// Supported formats are chosen by MIME type, falling back to the file
// extension when the type is empty or generic:
//   - application/pdf: page text via github.com/dslipak/pdf, pages joined
//     by a blank line; unreadable pages are skipped.
//   - DOCX, ODT and RTF: github.com/lu4p/cat parsers, after the content
//     is sniffed with github.com/gabriel-vasile/mimetype. Content that does
//     not match an office format is rejected rather than read as text.
//   - text/*, JSON, Markdown and CSV: read as UTF-8.
//
// An unsupported type or a corrupt document is a validation failure; it will never succeed on
// retry.
package extraction
