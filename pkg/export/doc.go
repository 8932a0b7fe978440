// Package export serializes a day's health logs for download and restores
// JSON exports.
//
// # Formats
//
// JSON:
//   - The full DayGroup (hour buckets with every stored sample)
//   - A metadata header (export time, day, counts, format version)
//   - The only format Import accepts
//
// CSV:
//   - One row per sample, with the hour's averages repeated on each row
//   - Suited to spreadsheets
//
// Plain text:
//   - A readable summary per hour followed by its readings
//
// # HTTP API
//
// Export endpoint: GET /v1/logs/{day}/export
// Query parameters:
//   - format: "json", "csv" or "txt" (default: json)
//
// Example:
//
//	curl "http://localhost:8080/v1/logs/2024-03-10/export?format=csv" -o log.csv
//
// Import endpoint: POST /v1/logs/import
// Content-Type: application/json
//
// Example:
//
//	curl -X POST "http://localhost:8080/v1/logs/import" \
//	  -H "Content-Type: application/json" \
//	  -d @health-log-2024-03-10.json
//
// # Programmatic Usage
//
//	exporter := export.NewExporter(store)
//	file, _ := os.Create("log.txt")
//	defer file.Close()
//
//	result, err := exporter.Export(ctx, file, day, export.FormatText)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Exported %d readings\n", result.SamplesExported)
//
// # JSON Layout
//
//	{
//	  "metadata": {
//	    "exported_at": "2024-03-11T08:00:00Z",
//	    "day": "2024-03-10",
//	    "bucket_count": 14,
//	    "sample_count": 9870,
//	    "format": "json",
//	    "version": "1.0"
//	  },
//	  "log": {
//	    "day": "2024-03-10T00:00:00Z",
//	    "buckets": [ ... ]
//	  }
//	}
//
// # Import Validation
//
// Buckets that are still recording, not aligned to the hour, or outside the
// document's day are skipped and listed in ImportResult.Errors. The rest
// replace any stored bucket for the same hour.
package export
