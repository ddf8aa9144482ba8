package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// WalletKey is the context key RequireWallet stores the follower wallet under.
const WalletKey = "wallet"

// BasicAuth returns a middleware that implements HTTP Basic Authentication
func BasicAuth() gin.HandlerFunc {
	username := os.Getenv("AUTH_USERNAME")
	password := os.Getenv("AUTH_PASSWORD")

	return func(c *gin.Context) {
		// Skip auth if credentials not configured
		if username == "" || password == "" {
			c.Next()
			return
		}

		user, pass, hasAuth := c.Request.BasicAuth()
		if !hasAuth {
			c.Header("WWW-Authenticate", `Basic realm="Copy Trader"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		// Use constant-time comparison to prevent timing attacks
		usernameMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1

		if !usernameMatch || !passwordMatch {
			c.Header("WWW-Authenticate", `Basic realm="Copy Trader"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Next()
	}
}

// RequireWallet extracts the follower identity from the X-Wallet header.
// Owner-scoped routes run behind this; handlers read the normalized wallet
// with Wallet(c).
func RequireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := strings.TrimSpace(c.GetHeader("X-Wallet"))
		if wallet == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "X-Wallet header required",
			})
			return
		}

		if !IsValidEthAddress(wallet) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "X-Wallet must be a wallet address (0x + 40 hex characters)",
			})
			return
		}

		c.Set(WalletKey, strings.ToLower(wallet))
		c.Next()
	}
}

// Wallet returns the validated follower wallet set by RequireWallet.
func Wallet(c *gin.Context) string {
	return c.GetString(WalletKey)
}

// ValidateQueryParams validates common query parameters
func ValidateQueryParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Validate limit parameter
		if limitStr := c.Query("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil || limit < 1 || limit > 1000 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid limit parameter. Must be a positive integer between 1 and 1000",
				})
				return
			}
		}

		// Validate page parameter
		if pageStr := c.Query("page"); pageStr != "" {
			page, err := strconv.Atoi(pageStr)
			if err != nil || page < 1 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid page parameter. Must be a positive integer",
				})
				return
			}
		}

		// Validate min_trades parameter
		if minTradesStr := c.Query("min_trades"); minTradesStr != "" {
			minTrades, err := strconv.Atoi(minTradesStr)
			if err != nil || minTrades < 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid min_trades parameter. Must be a non-negative integer",
				})
				return
			}
		}

		// Validate min_win_rate parameter (percentage)
		if winRateStr := c.Query("min_win_rate"); winRateStr != "" {
			f, err := strconv.ParseFloat(winRateStr, 64)
			if err != nil || f < 0 || f > 100 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid min_win_rate parameter. Must be a number between 0 and 100",
				})
				return
			}
		}

		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return common.IsHexAddress(strings.TrimSpace(addr))
}
