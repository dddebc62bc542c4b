// Package gps103 speaks the text protocol of the TK102/TK103 family of
// trackers (Xexun, Coban and their clones).
//
// Frames are ASCII, separated by ';'. A device announces itself with
//
//	##,imei:359710041234567,A;
//
// which is answered with LOAD. Heartbeats carry the bare IMEI and are answered
// with ON. Position and alarm reports look like
//
//	imei:359710041234567,tracker,1409062121,,F,212147.000,A,4737.1076,N,00245.6561,W,0.00,0;
//
// where the second field is a keyword (tracker, help me, low battery, ...)
// and F or L tells whether the tracker had a GPS fix. Speeds arrive in km/h
// and are converted to m/s.
//
// Commands go out as **,imei:<IMEI>,<letter>[,args]; with the letter mapping
// of the Coban manual, see Encode.
package gps103
