// Package streambuf bridges chunks arriving on a gRPC stream goroutine with a
// consumer that reads them through io.Reader.
package streambuf
