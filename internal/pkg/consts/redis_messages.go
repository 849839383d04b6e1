package consts

// Redis connectivity messages
const (
	RedisConnectSuccess    = "Successfully connected to Redis."
	RedisConnectFailure    = "Failed to connect to Redis."
	RedisDisconnectSuccess = "Successfully disconnected from Redis."
	RedisDisconnectFailure = "Failed to disconnect from Redis."
)

// Entity lock messages
const (
	RedisLockAcquired    = "Entity lock acquired."
	RedisLockBusy        = "Entity lock busy, retrying."
	RedisLockReleased    = "Entity lock released."
	RedisLockNotOwned    = "Entity lock expired before release."
	RedisLockKeyTemplate = "loan-sync:lock:%s:%d"
)
