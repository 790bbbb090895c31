// Package cpio parses the ordered PBZX chunk stream as an odc-format CPIO
// byte stream, emitting File records whose payload is a sequence of
// zero-copy slices into the chunks that carried them.
package cpio
