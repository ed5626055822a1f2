package marketws

// Venue adapters self-register with the factory registry on import.
import (
	_ "github.com/tidewave/marketws/internal/adapters/binance"
	_ "github.com/tidewave/marketws/internal/adapters/bingx"
	_ "github.com/tidewave/marketws/internal/adapters/bybit"
	_ "github.com/tidewave/marketws/internal/adapters/kucoin"
	_ "github.com/tidewave/marketws/internal/adapters/okx"
)
