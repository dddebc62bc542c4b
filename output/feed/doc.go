// Package feed re-broadcasts accepted positions over plain TCP.
//
// Chart plotters such as OpenCPN connect to the AIS format and see every
// tracked device as a class B vessel: each position becomes a type 18 report
// and every StaticEvery positions the device name is repeated as a type 24
// static report. The JSON format sends the same reports as JSON lines for
// scripts. New clients first receive the most recent Backlog lines.
package feed
