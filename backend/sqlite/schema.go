package sqlite

// schema creates the device and position tables when missing. Column names
// follow the historical tracking database so existing map front-ends can
// read it.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT NOT NULL,
	uniqueID          TEXT NOT NULL UNIQUE,
	latestPosition_id INTEGER
);

CREATE TABLE IF NOT EXISTS positions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	time      DATETIME NOT NULL,
	valid     INTEGER NOT NULL DEFAULT 1,
	latitude  REAL NOT NULL,
	longitude REAL NOT NULL,
	altitude  REAL,
	speed     REAL,
	course    REAL,
	power     REAL
);

CREATE INDEX IF NOT EXISTS route ON positions (device_id, time);
`
