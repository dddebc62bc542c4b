// Package errors provides the error handling conventions of the tracking daemon.
//
// # Classification
//
// Every error belongs to one of three classes:
//
//   - Transient: dropped connections, timeouts, unavailable storage. Retry later.
//   - Invalid: malformed sentences, bad checksums, unsupported frames. Drop the input.
//   - Fatal: bad configuration, listen failures, duplicate feed identifiers. Stop the service.
//
// # Wrapping
//
// All wrapping follows the format "Component.Method: action failed: cause":
//
//	if err := ln.Close(); err != nil {
//	    return errors.Wrap(err, "Engine", "Stop", "close listener")
//	}
//
// Use WrapTransient, WrapInvalid or WrapFatal to attach a class explicitly:
//
//	ln, err := net.Listen("tcp", cfg.Address)
//	if err != nil {
//	    return errors.WrapFatal(err, "Engine", "Start", "listen")
//	}
//
// The package re-exports nothing from the standard errors package; import both
// when errors.Is or errors.As are needed, aliasing the standard one as stderrors.
package errors
