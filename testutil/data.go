package testutil

// Sample frames captured from real trackers and feeds.

// GPS103Frames are TK102/TK103 frames, without their ';' terminator.
var GPS103Frames = map[string]string{
	"login":        "##,imei:359710043551135,A",
	"ping":         "359710043551135",
	"tracker":      "imei:359710043551135,tracker,1409060521,,F,212147.000,A,4737.1076,N,00245.6561,W,0.00,0",
	"help":         "imei:359710043551135,help me,1409050559,1234,F,215931.000,A,4737.1058,N,00245.6524,W,0.00,0",
	"help-nogps":   "imei:359710043551135,help me,1409050559,13554900601,L,",
	"nogps":        "imei:359586015829802,low battery,000000000,13554900601,L,",
	"battery":      "imei:359586015829802,low battery,0809231429,13554900601,F,062947.294,A,2234.4026,N,11354.3277,E,0.00,",
	"sensor":       "imei:359710043551135,sensor alarm,1409070008,,F,160844.000,A,4737.0465,N,00245.6099,W,21.21,306.75",
	"door":         "imei:012497000419790,door alarm,1010181112,00420777123456,F,101216.000,A,5004.5502,N,01426.7268,E,0.00,",
	"resume":       "imei:012497000419790,kt,1010181052,00420777123456,F,095256.000,A,5004.5635,N,01426.7346,E,0.58,",
	"unknown-word": "imei:012497000419790,teleport,1010181052,00420777123456,F,095256.000,A,5004.5635,N,01426.7346,E,0.58,",
}

// NMEAFrames are NMEA 0183 sentences with valid checksums.
var NMEAFrames = map[string]string{
	"rmc": "$GPRMC,081836,A,3751.65,S,14507.36,E,000.0,360.0,130998,011.3,E*62",
	"gga": "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47",
	"vtg": "$GPVTG,054.7,T,034.4,M,005.5,N,010.2,K*48",
}

// AISFrames are AIVDM sentences from a public feed.
var AISFrames = map[string]string{
	"type1":  "!AIVDM,1,1,,B,177KQJ5000G?tO`K>RA1wUbN0TKH,0*5C",
	"type18": "!AIVDM,1,1,,B,B5NJ;PP005l4ot5Isbl03wsUkP06,0*76",
}
