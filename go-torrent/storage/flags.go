package storage

import "os"

func fileCreateFlags() int {
	return os.O_CREATE | os.O_RDWR
}
