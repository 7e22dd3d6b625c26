// Package rpcerror turns job service failures into the typed errors agents see.
//
// Every category has an ordered table from failure kind to wire type. The
// composed message always names the failure kind, so an empty error text
// never reaches the wire.
package rpcerror
