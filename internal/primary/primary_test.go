package primary

import "github.com/PearTNhat/narwhal/internal/logging"

func testLogger() *logging.Logger {
	return logging.New()
}
