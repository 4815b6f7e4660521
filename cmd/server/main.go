package main

import (
	"context"
	"log"
	"net/http"
	"os"

	webAdapter "inventory-engine/internal/adapters/web"
	"inventory-engine/internal/core"
	"inventory-engine/internal/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()

	activity := core.NewActivityLog(pool)
	stockService := core.NewStockService(pool, activity)
	requestService := core.NewRequestService(pool, stockService, activity)
	invoiceService := core.NewInvoiceService(pool, activity)
	shipmentService := core.NewShipmentService(pool, activity)

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	handler := webAdapter.NewHandler(stockService, requestService, invoiceService, shipmentService, allowedOrigins)

	log.Printf("server starting on :%s", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatalf("server: %v", err)
	}
}
