// Package telnet is an operator console served over a plain TCP service.
//
// Commands are one per line, or separated by ';'. Type help after connecting.
// Device commands are pushed to the command queue, so their outcome arrives
// as queue events; use evt start to see them.
package telnet
